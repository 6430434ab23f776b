package webhooks

import (
	"time"

	"github.com/tably/payments/internal/eventlog"
)

// Emitter adapts terminal authorization outcomes to merchant webhook events.
// The worker calls AuthEvent after each terminal commit; delivery is
// best-effort from there.
type Emitter struct {
	hooks WebhookEmitter
}

// NewEmitter wraps a dispatcher so the worker can announce outcomes without
// knowing how they are delivered.
func NewEmitter(hooks WebhookEmitter) *Emitter {
	return &Emitter{hooks: hooks}
}

// AuthEvent emits one webhook event for a terminal authorization state.
func (e *Emitter) AuthEvent(event string, st *eventlog.AuthRequestState) {
	if e.hooks == nil || event == "" || st == nil {
		return
	}
	e.hooks.Emit(EventType(event), st.RestaurantID, authEventData(st))
}

// authEventData flattens the read-model row into the webhook payload.
// Payment tokens never leave the platform; merchants get outcome fields
// only.
func authEventData(st *eventlog.AuthRequestState) map[string]interface{} {
	data := map[string]interface{}{
		"auth_request_id": st.AuthRequestID.String(),
		"status":          string(st.Status),
		"amount_cents":    st.AmountCents,
		"currency":        st.Currency,
		"created_at":      st.CreatedAt.UTC().Format(time.RFC3339),
	}
	if st.ProcessorName != "" {
		data["processor_name"] = st.ProcessorName
	}
	if st.ProcessorAuthID != "" {
		data["processor_auth_id"] = st.ProcessorAuthID
	}
	if st.AuthorizedAmountCents > 0 {
		data["authorized_amount_cents"] = st.AuthorizedAmountCents
	}
	if st.AuthorizationCode != "" {
		data["authorization_code"] = st.AuthorizationCode
	}
	if st.DenialCode != "" {
		data["denial_code"] = st.DenialCode
	}
	if st.DenialReason != "" {
		data["denial_reason"] = st.DenialReason
	}
	if st.ErrorCode != "" {
		data["error_code"] = st.ErrorCode
	}
	if st.ErrorMessage != "" {
		data["error_message"] = st.ErrorMessage
	}
	if len(st.Metadata) > 0 {
		data["metadata"] = st.Metadata
	}
	if st.CompletedAt != nil {
		data["completed_at"] = st.CompletedAt.UTC().Format(time.RFC3339)
	}
	return data
}
