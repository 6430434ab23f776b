package tokenstore

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/security"
	"github.com/tably/payments/pb"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	maxBodySize         = 1 << 20
)

// Authenticator validates restaurant API keys for the public endpoints.
type Authenticator interface {
	ValidateAPIKey(ctx context.Context, key string) (*restaurants.Restaurant, error)
}

// Handlers exposes the token store over HTTP. Success bodies are protobuf;
// error bodies are JSON with a stable code.
type Handlers struct {
	service  *Service
	verifier *security.Broker
	auth     Authenticator
	admins   map[string]struct{}
	logger   *log.Logger
}

func NewHandlers(service *Service, verifier *security.Broker, auth Authenticator, adminServices []string) *Handlers {
	admins := make(map[string]struct{}, len(adminServices))
	for _, svc := range adminServices {
		admins[svc] = struct{}{}
	}
	return &Handlers{
		service:  service,
		verifier: verifier,
		auth:     auth,
		admins:   admins,
		logger:   log.New(log.Writer(), "[TOKENS-API] ", log.LstdFlags),
	}
}

// Register mounts the full route set on one router.
func (h *Handlers) Register(r *mux.Router) {
	h.RegisterPublic(r)
	r.HandleFunc("/internal/v1/decrypt", h.DecryptToken).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/keys/rotate", h.RotateKey).Methods(http.MethodPost)
}

// RegisterPublic mounts the merchant-facing routes.
func (h *Handlers) RegisterPublic(r *mux.Router) {
	r.HandleFunc("/v1/payment-tokens", h.CreateToken).Methods(http.MethodPost)
	r.HandleFunc("/v1/payment-tokens/{id}", h.GetToken).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// RegisterInternal mounts the service-to-service routes. Deployments that
// require mTLS serve these from a separate listener.
func (h *Handlers) RegisterInternal(r *mux.Router) {
	r.HandleFunc("/internal/v1/decrypt", h.DecryptToken).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/keys/rotate", h.RotateKey).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// CreateToken handles POST /v1/payment-tokens. 201 on a new token, 200 on
// an idempotent replay.
func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	restaurant, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	req := &pb.CreatePaymentTokenRequest{}
	if !readProto(w, r, req) {
		return
	}

	restaurantID, err := uuid.Parse(req.RestaurantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "restaurant_id must be a UUID", "")
		return
	}
	if restaurantID != restaurant.RestaurantID {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "API key does not belong to this restaurant", "")
		return
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = r.Header.Get("Idempotency-Key")
	}

	out, err := h.service.Create(ctx, &CreateInput{
		RestaurantID:         restaurantID,
		EncryptedPaymentData: req.EncryptedPaymentData,
		DeviceToken:          req.DeviceToken,
		EncryptionMetadata:   req.EncryptionMetadata,
		IdempotencyKey:       idempotencyKey,
		ClientMetadata:       req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err, "")
		return
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeProto(w, status, &pb.CreatePaymentTokenResponse{
		PaymentToken: out.PaymentToken,
		RestaurantID: out.RestaurantID.String(),
		ExpiresAt:    out.ExpiresAt.Unix(),
		Metadata:     out.Metadata,
	})
}

// GetToken handles GET /v1/payment-tokens/{id}?restaurant_id=…. Expired
// tokens answer 410 with the metadata body still populated.
func (h *Handlers) GetToken(w http.ResponseWriter, r *http.Request) {
	paymentToken := mux.Vars(r)["id"]

	restaurantID, err := uuid.Parse(r.URL.Query().Get("restaurant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "restaurant_id query parameter must be a UUID", "")
		return
	}

	rec, err := h.service.Get(r.Context(), paymentToken, restaurantID)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}

	status := http.StatusOK
	if rec.Expired(time.Now()) {
		status = http.StatusGone
	}
	writeProto(w, status, &pb.GetPaymentTokenResponse{
		PaymentToken: rec.PaymentToken,
		RestaurantID: rec.RestaurantID.String(),
		CreatedAt:    rec.CreatedAt.Unix(),
		ExpiresAt:    rec.ExpiresAt.Unix(),
		IsExpired:    status == http.StatusGone,
		Metadata:     rec.Metadata,
	})
}

// DecryptToken handles POST /internal/v1/decrypt. The caller must present
// a verifiable X-Service-Auth identity on the decrypt allow-list; every
// attempt against a named token is audited, denials included.
func (h *Handlers) DecryptToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "X-Request-ID header is required", "")
		return
	}

	req := &pb.DecryptPaymentTokenRequest{}
	if !readProto(w, r, req) {
		return
	}
	restaurantID, err := uuid.Parse(req.RestaurantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "restaurant_id must be a UUID", requestID)
		return
	}

	claims, err := h.verifyService(r)
	if err != nil {
		h.service.RecordDecryptDenial(ctx, req.PaymentToken, restaurantID, req.RequestingService, requestID, AuditUnauthenticated)
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "service identity could not be verified", requestID)
		return
	}
	if req.RequestingService != "" && req.RequestingService != claims.Service {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "requesting_service does not match the authenticated identity", requestID)
		return
	}
	if !h.service.AllowedService(claims.Service) {
		h.service.RecordDecryptDenial(ctx, req.PaymentToken, restaurantID, claims.Service, requestID, AuditServiceNotAllowed)
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "service is not permitted to decrypt payment tokens", requestID)
		return
	}

	card, meta, err := h.service.Decrypt(ctx, &DecryptInput{
		PaymentToken:      req.PaymentToken,
		RestaurantID:      restaurantID,
		RequestingService: claims.Service,
		RequestID:         requestID,
	})
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	writeProto(w, http.StatusOK, &pb.DecryptPaymentTokenResponse{
		PaymentData: card,
		Metadata:    meta,
	})
}

// RotateKey handles POST /internal/v1/keys/rotate for admin services.
func (h *Handlers) RotateKey(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifyService(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "service identity could not be verified", "")
		return
	}
	if _, ok := h.admins[claims.Service]; !ok {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "service is not permitted to rotate keys", "")
		return
	}

	req := &pb.RotateKeyRequest{}
	if !readProto(w, r, req) {
		return
	}

	previous, current, err := h.service.RotateKey(r.Context(), req.NewKeyVersion)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}

	h.logger.Printf("🔑 Key rotation by %s: %s -> %s", claims.Service, previous, current)
	writeProto(w, http.StatusOK, &pb.RotateKeyResponse{
		PreviousVersion: previous,
		CurrentVersion:  current,
		RotatedAt:       time.Now().Unix(),
	})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.service.repo.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":      status,
		"service":     "token-store",
		"key_version": h.service.CurrentKeyVersion(),
	})
}

// authenticate resolves the API key on public endpoints.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*restaurants.Restaurant, bool) {
	key := apiKeyFromRequest(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "API key is required", "")
		return nil, false
	}
	restaurant, err := h.auth.ValidateAPIKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "invalid API key", "")
		return nil, false
	}
	return restaurant, true
}

func (h *Handlers) verifyService(r *http.Request) (*security.ServiceClaims, error) {
	return h.verifier.Verify(r.Header.Get("X-Service-Auth"))
}

func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

type protoMessage interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

// readProto consumes and decodes a protobuf request body, writing the 400
// itself on failure.
func readProto(w http.ResponseWriter, r *http.Request, m protoMessage) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "failed to read request body", "")
		return false
	}
	if err := m.Unmarshal(body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "request body is not a valid message", "")
		return false
	}
	return true
}

func writeProto(w http.ResponseWriter, status int, m protoMessage) {
	w.Header().Set("Content-Type", contentTypeProtobuf)
	w.WriteHeader(status)
	w.Write(m.Marshal())
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Code: code, Message: message, RequestID: requestID},
	})
}

func writeServiceError(w http.ResponseWriter, err error, requestID string) {
	if e, ok := AsError(err); ok {
		writeError(w, statusForCode(e.Code), e.Code, e.Message, requestID)
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error", requestID)
}

func statusForCode(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeUnknownKey, ErrCodeDecryptionFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeIdempotencyConflict:
		return http.StatusConflict
	case ErrCodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
