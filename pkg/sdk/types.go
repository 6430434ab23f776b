package sdk

import "time"

// Status values reported for an authorization request. The first two are
// transient; an authorization always ends in one of the terminal values.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusAuthorized = "AUTHORIZED"
	StatusDenied     = "DENIED"
	StatusFailed     = "FAILED"
	StatusVoided     = "VOIDED"
	StatusExpired    = "EXPIRED"
)

// Terminal reports whether a status is final. Non-terminal requests should
// be polled (or streamed) until they settle.
func Terminal(status string) bool {
	switch status {
	case StatusAuthorized, StatusDenied, StatusFailed, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// AuthorizationRequest is the body of POST /v1/authorize.
type AuthorizationRequest struct {
	// RestaurantID is optional; when set it must match the restaurant the
	// API key belongs to.
	RestaurantID string `json:"restaurant_id,omitempty"`

	// PaymentToken references card data held by the token service. The SDK
	// never sees raw card numbers.
	PaymentToken string `json:"payment_token"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	// IdempotencyKey makes retries safe: the same key returns the original
	// authorization instead of creating a second one.
	IdempotencyKey string `json:"idempotency_key"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuthorizationResult carries the processor outcome for a terminal request.
type AuthorizationResult struct {
	ProcessorName         string `json:"processor_name,omitempty"`
	ProcessorAuthID       string `json:"processor_auth_id,omitempty"`
	AuthorizationCode     string `json:"processor_auth_code,omitempty"`
	AuthorizedAmountCents int64  `json:"authorized_amount_cents,omitempty"`
	DeclineCode           string `json:"processor_decline_code,omitempty"`
	DeclineReason         string `json:"decline_reason,omitempty"`
	ErrorCode             string `json:"error_code,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
}

// Authorization is the response from Authorize. Result is set when the
// request settled within the fast-path window; otherwise StatusURL points
// at the status endpoint.
type Authorization struct {
	AuthRequestID string               `json:"auth_request_id"`
	Status        string               `json:"status"`
	Result        *AuthorizationResult `json:"result,omitempty"`
	StatusURL     string               `json:"status_url,omitempty"`
}

// AuthorizationStatus is the full status snapshot returned by GetStatus,
// Void, and each stream message.
type AuthorizationStatus struct {
	AuthRequestID string               `json:"auth_request_id"`
	RestaurantID  string               `json:"restaurant_id"`
	Status        string               `json:"status"`
	AmountCents   int64                `json:"amount_cents"`
	Currency      string               `json:"currency"`
	VoidRequested bool                 `json:"void_requested,omitempty"`
	Result        *AuthorizationResult `json:"result,omitempty"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// VoidRequest is the optional body of POST /v1/authorize/{id}/void.
type VoidRequest struct {
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// APIError is a non-2xx response decoded from the API's error envelope.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return "payments: " + e.Code + ": " + e.Message
}

// Stable error codes carried in APIError.Code.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
