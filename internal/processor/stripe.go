package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tably/payments/internal/restaurants"
)

const stripeAPIBase = "https://api.stripe.com"

// Stripe authorizes cards as uncaptured PaymentIntents and voids them by
// cancelling the intent.
type Stripe struct {
	apiKey    string
	accountID string
	baseURL   string
	client    *http.Client

	// strictInvalidRequest treats ambiguous invalid-request responses as
	// fatal instead of retryable.
	strictInvalidRequest bool
}

func NewStripe(cfg *restaurants.StripeConfig, timeout time.Duration, strictInvalidRequest bool) *Stripe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Stripe{
		apiKey:               cfg.APIKey,
		accountID:            cfg.AccountID,
		baseURL:              stripeAPIBase,
		client:               &http.Client{Timeout: timeout},
		strictInvalidRequest: strictInvalidRequest,
	}
}

func (s *Stripe) Name() string { return restaurants.ProcessorStripe }

// stripeIntent is the subset of the PaymentIntent we read back.
type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge string `json:"latest_charge"`
}

type stripeErrorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (s *Stripe) Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("capture_method", "manual")
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", req.Card.Number)
	form.Set("payment_method_data[card][exp_month]", strconv.Itoa(req.Card.ExpMonth))
	form.Set("payment_method_data[card][exp_year]", strconv.Itoa(req.Card.ExpYear))
	if req.Card.CVC != "" {
		form.Set("payment_method_data[card][cvc]", req.Card.CVC)
	}
	if req.StatementDescriptor != "" {
		form.Set("statement_descriptor_suffix", req.StatementDescriptor)
	}
	form.Set("metadata[auth_request_id]", req.AuthRequestID.String())
	form.Set("metadata[restaurant_id]", req.RestaurantID.String())

	body, status, err := s.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if status == http.StatusPaymentRequired || (status == http.StatusBadRequest && isCardError(body)) {
		var eb stripeErrorBody
		if err := json.Unmarshal(body, &eb); err != nil {
			return nil, s.classify(status, body)
		}
		denialCode := eb.Error.DeclineCode
		if denialCode == "" {
			denialCode = eb.Error.Code
		}
		return &AuthResult{
			Authorized:    false,
			ProcessorName: s.Name(),
			DenialCode:    denialCode,
			DenialReason:  eb.Error.Message,
			Metadata:      map[string]string{"error_type": eb.Error.Type},
		}, nil
	}
	if status != http.StatusOK {
		return nil, s.classify(status, body)
	}

	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &Error{Code: ErrCodeUnavailable, Message: "unparseable processor response", Retryable: true}
	}

	switch intent.Status {
	case "requires_capture":
		return &AuthResult{
			Authorized:            true,
			ProcessorName:         s.Name(),
			ProcessorAuthID:       intent.ID,
			AuthorizationCode:     intent.LatestCharge,
			AuthorizedAmountCents: intent.Amount,
			Currency:              strings.ToUpper(intent.Currency),
			AuthorizedAt:          time.Now().UTC(),
			Metadata:              map[string]string{"status": intent.Status},
		}, nil
	case "requires_action", "requires_confirmation":
		// Step-up authentication cannot complete in a server-side flow.
		return &AuthResult{
			Authorized:    false,
			ProcessorName: s.Name(),
			DenialCode:    "requires_action",
			DenialReason:  "Authentication required.",
			Metadata:      map[string]string{"status": intent.Status},
		}, nil
	default:
		return nil, &Error{
			Code:      ErrCodeUnavailable,
			Message:   fmt.Sprintf("unexpected intent status %q", intent.Status),
			Retryable: true,
		}
	}
}

func (s *Stripe) Void(ctx context.Context, req *VoidRequest) (*VoidResult, error) {
	form := url.Values{}
	form.Set("cancellation_reason", "requested_by_customer")

	body, status, err := s.post(ctx, "/v1/payment_intents/"+req.ProcessorAuthID+"/cancel", form, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &Error{
			Code:       ErrCodeInvalidRequest,
			Message:    fmt.Sprintf("unknown authorization %q", req.ProcessorAuthID),
			HTTPStatus: status,
		}
	}
	if status != http.StatusOK {
		return nil, s.classify(status, body)
	}

	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &Error{Code: ErrCodeUnavailable, Message: "unparseable processor response", Retryable: true}
	}

	return &VoidResult{
		Voided:   intent.Status == "canceled",
		VoidedAt: time.Now().UTC(),
		Metadata: map[string]string{"status": intent.Status},
	}, nil
}

func (s *Stripe) post(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, &Error{Code: ErrCodeInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	if s.accountID != "" {
		httpReq.Header.Set("Stripe-Account", s.accountID)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, 0, &Error{Code: ErrCodeTimeout, Message: err.Error(), Retryable: true}
		}
		return nil, 0, &Error{Code: ErrCodeUnavailable, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, &Error{Code: ErrCodeUnavailable, Message: err.Error(), Retryable: true}
	}
	return body, resp.StatusCode, nil
}

// classify maps a non-decision processor response to a classified error.
func (s *Stripe) classify(status int, body []byte) *Error {
	var eb stripeErrorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("processor returned HTTP %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: ErrCodeConfigInvalid, Message: msg, HTTPStatus: status}
	case status == http.StatusTooManyRequests:
		return &Error{Code: ErrCodeRateLimited, Message: msg, Retryable: true, HTTPStatus: status}
	case status >= 500:
		return &Error{Code: ErrCodeUnavailable, Message: msg, Retryable: true, HTTPStatus: status}
	case status == http.StatusBadRequest:
		// Ambiguous invalid-request: policy decides whether to keep trying.
		return &Error{
			Code:       ErrCodeInvalidRequest,
			Message:    msg,
			Retryable:  !s.strictInvalidRequest,
			HTTPStatus: status,
		}
	default:
		return &Error{Code: ErrCodeUnavailable, Message: msg, Retryable: true, HTTPStatus: status}
	}
}

func isCardError(body []byte) bool {
	var eb stripeErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return false
	}
	return eb.Error.Type == "card_error"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
