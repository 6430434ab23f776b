package authorization

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/restaurants"
)

const (
	maxBodySize = 1 << 20

	// streamMaxDuration bounds a status stream; clients reconnect or fall
	// back to polling after it.
	streamMaxDuration = 5 * time.Minute
)

// Handlers is the ingress HTTP surface. Bodies are JSON; errors use the
// {"error":{code,message}} envelope shared with the token store.
type Handlers struct {
	service  *Service
	upgrader websocket.Upgrader
	logger   *log.Logger

	healthChecks map[string]func(context.Context) error
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{
		service: service,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:       log.New(log.Writer(), "[INGRESS-API] ", log.LstdFlags),
		healthChecks: make(map[string]func(context.Context) error),
	}
}

// WithHealthCheck adds a named dependency probe to GET /health. The binary
// registers the dependencies it actually wired (queue, redis).
func (h *Handlers) WithHealthCheck(name string, check func(context.Context) error) *Handlers {
	h.healthChecks[name] = check
	return h
}

// Register mounts the ingress routes. Routes on authed expect API-key
// middleware to have placed the restaurant in the request context; status
// reads are scoped by restaurant_id and stay on the public router.
func (h *Handlers) Register(public, authed *mux.Router) {
	authed.HandleFunc("/v1/authorize", h.Authorize).Methods(http.MethodPost)
	authed.HandleFunc("/v1/authorize/{id}/void", h.Void).Methods(http.MethodPost)
	public.HandleFunc("/v1/authorize/{id}/status", h.GetStatus).Methods(http.MethodGet)
	public.HandleFunc("/v1/authorize/{id}/stream", h.Stream).Methods(http.MethodGet)
	public.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// authorizeRequest is the POST /v1/authorize body. restaurant_id is an
// optional cross-check against the authenticated restaurant.
type authorizeRequest struct {
	RestaurantID   string            `json:"restaurant_id,omitempty"`
	PaymentToken   string            `json:"payment_token"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type authorizeResponse struct {
	AuthRequestID string      `json:"auth_request_id"`
	Status        string      `json:"status"`
	Result        *authResult `json:"result,omitempty"`
	StatusURL     string      `json:"status_url,omitempty"`
}

type authResult struct {
	ProcessorName         string `json:"processor_name,omitempty"`
	ProcessorAuthID       string `json:"processor_auth_id,omitempty"`
	AuthorizationCode     string `json:"processor_auth_code,omitempty"`
	AuthorizedAmountCents int64  `json:"authorized_amount_cents,omitempty"`
	DenialCode            string `json:"processor_decline_code,omitempty"`
	DenialReason          string `json:"decline_reason,omitempty"`
	ErrorCode             string `json:"error_code,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
}

type statusResponse struct {
	AuthRequestID string            `json:"auth_request_id"`
	RestaurantID  string            `json:"restaurant_id"`
	Status        string            `json:"status"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
	VoidRequested bool              `json:"void_requested,omitempty"`
	Result        *authResult       `json:"result,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type voidRequest struct {
	RestaurantID   string `json:"restaurant_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Authorize handles POST /v1/authorize.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	restaurant, err := restaurants.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "a valid API key is required")
		return
	}

	var req authorizeRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if req.RestaurantID != "" && req.RestaurantID != restaurant.RestaurantID.String() {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "restaurant_id does not match the authenticated restaurant")
		return
	}

	out, err := h.service.Authorize(r.Context(), &AuthorizeInput{
		RestaurantID:   restaurant.RestaurantID,
		PaymentToken:   req.PaymentToken,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := authorizeResponse{
		AuthRequestID: out.AuthRequestID.String(),
		Status:        string(out.State.Status),
	}
	if out.State.Status.Terminal() {
		resp.Result = resultFromState(out.State)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.StatusURL = fmt.Sprintf("/v1/authorize/%s/status?restaurant_id=%s", out.AuthRequestID, restaurant.RestaurantID)
	writeJSON(w, http.StatusAccepted, resp)
}

// GetStatus handles GET /v1/authorize/{id}/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	authRequestID, restaurantID, ok := h.statusParams(w, r)
	if !ok {
		return
	}
	st, err := h.service.GetStatus(r.Context(), authRequestID, restaurantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotFromState(st))
}

// Void handles POST /v1/authorize/{id}/void. An empty body is a void with
// no reason and no idempotency key.
func (h *Handlers) Void(w http.ResponseWriter, r *http.Request) {
	restaurant, err := restaurants.FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "a valid API key is required")
		return
	}
	authRequestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "auth request id must be a UUID")
		return
	}

	var req voidRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "request body is not valid JSON")
			return
		}
	}
	if req.RestaurantID != "" && req.RestaurantID != restaurant.RestaurantID.String() {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "restaurant_id does not match the authenticated restaurant")
		return
	}

	st, err := h.service.Void(r.Context(), &VoidInput{
		AuthRequestID:  authRequestID,
		RestaurantID:   restaurant.RestaurantID,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotFromState(st))
}

// Stream handles GET /v1/authorize/{id}/stream: a websocket pushing status
// snapshots until the request is terminal. Visibility rules match GetStatus.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	authRequestID, restaurantID, ok := h.statusParams(w, r)
	if !ok {
		return
	}
	st, err := h.service.GetStatus(r.Context(), authRequestID, restaurantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(snapshotFromState(st)); err != nil {
		return
	}
	if st.Status.Terminal() {
		h.closeStream(conn)
		return
	}

	ch := h.service.Waiters().Register(authRequestID)
	defer h.service.Waiters().Unregister(authRequestID, ch)

	deadline := time.NewTimer(streamMaxDuration)
	defer deadline.Stop()
	tick := time.NewTicker(h.service.pollInterval)
	defer tick.Stop()

	lastSeq := st.LastEventSequence
	for {
		select {
		case <-r.Context().Done():
			return
		case <-disconnected:
			return
		case <-deadline.C:
			h.closeStream(conn)
			return
		case <-ch:
		case <-tick.C:
		}

		st, err := h.service.GetStatus(r.Context(), authRequestID, restaurantID)
		if err != nil {
			h.closeStream(conn)
			return
		}
		if st.LastEventSequence == lastSeq {
			continue
		}
		lastSeq = st.LastEventSequence
		if err := conn.WriteJSON(snapshotFromState(st)); err != nil {
			return
		}
		if st.Status.Terminal() {
			h.closeStream(conn)
			return
		}
	}
}

func (h *Handlers) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	checks := map[string]interface{}{"database": "ok"}

	if err := h.service.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		checks["database"] = "unreachable"
	} else if pending, err := h.service.outbox.Pending(r.Context()); err == nil {
		checks["outbox_pending"] = pending
	}

	for name, check := range h.healthChecks {
		if err := check(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			checks[name] = "unreachable"
		} else {
			checks[name] = "ok"
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "payment-authorization",
		"checks":  checks,
	})
}

func (h *Handlers) statusParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	authRequestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "auth request id must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	restaurantID, err := uuid.Parse(r.URL.Query().Get("restaurant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "restaurant_id query parameter must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return authRequestID, restaurantID, true
}

func (h *Handlers) readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "request body is not valid JSON")
		return false
	}
	return true
}

func resultFromState(st *eventlog.AuthRequestState) *authResult {
	res := &authResult{
		ProcessorName:         st.ProcessorName,
		ProcessorAuthID:       st.ProcessorAuthID,
		AuthorizationCode:     st.AuthorizationCode,
		AuthorizedAmountCents: st.AuthorizedAmountCents,
		DenialCode:            st.DenialCode,
		DenialReason:          st.DenialReason,
		ErrorCode:             st.ErrorCode,
		ErrorMessage:          st.ErrorMessage,
	}
	if *res == (authResult{}) {
		return nil
	}
	return res
}

func snapshotFromState(st *eventlog.AuthRequestState) statusResponse {
	return statusResponse{
		AuthRequestID: st.AuthRequestID.String(),
		RestaurantID:  st.RestaurantID.String(),
		Status:        string(st.Status),
		AmountCents:   st.AmountCents,
		Currency:      st.Currency,
		VoidRequested: st.VoidRequested,
		Result:        resultFromState(st),
		Metadata:      st.Metadata,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
		CompletedAt:   st.CompletedAt,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Code: code, Message: message},
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	if e, ok := AsError(err); ok {
		writeError(w, statusForCode(e.Code), e.Code, e.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func statusForCode(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
