package webhooks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/worker"
)

// The worker only sees the Notifier interface, so a drift between the two
// packages has to fail here at compile time.
var _ worker.Notifier = (*Emitter)(nil)

type captureEmitter struct {
	events      []EventType
	restaurants []uuid.UUID
	payloads    []map[string]interface{}
}

func (c *captureEmitter) Emit(eventType EventType, restaurantID uuid.UUID, data map[string]interface{}) {
	c.events = append(c.events, eventType)
	c.restaurants = append(c.restaurants, restaurantID)
	c.payloads = append(c.payloads, data)
}

func (c *captureEmitter) Shutdown() {}

func authorizedState() *eventlog.AuthRequestState {
	completed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return &eventlog.AuthRequestState{
		AuthRequestID:         uuid.New(),
		RestaurantID:          uuid.New(),
		PaymentToken:          "tok_live_secret",
		Status:                eventlog.StatusAuthorized,
		AmountCents:           5000,
		Currency:              "USD",
		ProcessorName:         "mock",
		ProcessorAuthID:       "mock_pi_123",
		AuthorizedAmountCents: 5000,
		AuthorizationCode:     "AUTH01",
		Metadata:              map[string]string{"order_id": "ord-42"},
		CreatedAt:             completed.Add(-2 * time.Second),
		CompletedAt:           &completed,
	}
}

func TestEmitterBuildsAuthorizedPayload(t *testing.T) {
	sink := &captureEmitter{}
	e := NewEmitter(sink)

	st := authorizedState()
	e.AuthEvent("payment.authorized", st)

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventPaymentAuthorized, sink.events[0])
	assert.Equal(t, st.RestaurantID, sink.restaurants[0])

	data := sink.payloads[0]
	assert.Equal(t, st.AuthRequestID.String(), data["auth_request_id"])
	assert.Equal(t, "AUTHORIZED", data["status"])
	assert.Equal(t, int64(5000), data["amount_cents"])
	assert.Equal(t, "USD", data["currency"])
	assert.Equal(t, "mock", data["processor_name"])
	assert.Equal(t, "mock_pi_123", data["processor_auth_id"])
	assert.Equal(t, int64(5000), data["authorized_amount_cents"])
	assert.Equal(t, "AUTH01", data["authorization_code"])
	assert.Equal(t, "2026-03-14T15:09:26Z", data["completed_at"])
	assert.Equal(t, map[string]string{"order_id": "ord-42"}, data["metadata"])
}

func TestEmitterNeverLeaksPaymentToken(t *testing.T) {
	sink := &captureEmitter{}
	e := NewEmitter(sink)

	e.AuthEvent("payment.authorized", authorizedState())

	require.Len(t, sink.payloads, 1)
	_, ok := sink.payloads[0]["payment_token"]
	assert.False(t, ok)

	raw, err := json.Marshal(sink.payloads[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok_live_secret")
}

func TestEmitterDeniedPayloadCarriesDenialFields(t *testing.T) {
	sink := &captureEmitter{}
	e := NewEmitter(sink)

	e.AuthEvent("payment.denied", &eventlog.AuthRequestState{
		AuthRequestID: uuid.New(),
		RestaurantID:  uuid.New(),
		Status:        eventlog.StatusDenied,
		AmountCents:   5000,
		Currency:      "USD",
		ProcessorName: "mock",
		DenialCode:    "insufficient_funds",
		DenialReason:  "Insufficient funds",
		CreatedAt:     time.Now(),
	})

	require.Len(t, sink.payloads, 1)
	data := sink.payloads[0]
	assert.Equal(t, "insufficient_funds", data["denial_code"])
	assert.Equal(t, "Insufficient funds", data["denial_reason"])
	assert.NotContains(t, data, "processor_auth_id")
	assert.NotContains(t, data, "error_code")
}

func TestEmitterIgnoresEmptyInput(t *testing.T) {
	sink := &captureEmitter{}
	e := NewEmitter(sink)

	e.AuthEvent("", authorizedState())
	e.AuthEvent("payment.authorized", nil)
	assert.Empty(t, sink.events)

	// A nil dispatcher is a no-op, not a panic.
	NewEmitter(nil).AuthEvent("payment.authorized", authorizedState())
}
