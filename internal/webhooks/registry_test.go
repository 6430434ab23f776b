package webhooks

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndFilter(t *testing.T) {
	reg := NewRegistry()
	restaurantA := uuid.New()
	restaurantB := uuid.New()

	require.NoError(t, reg.Register(&WebhookSubscription{
		RestaurantID: restaurantA,
		URL:          "https://a.example.com/hooks",
		Events:       []EventType{EventPaymentAuthorized, EventPaymentDenied},
	}))
	require.NoError(t, reg.Register(&WebhookSubscription{
		RestaurantID: restaurantB,
		URL:          "https://b.example.com/hooks",
		Events:       []EventType{EventPaymentAuthorized},
	}))

	assert.Len(t, reg.GetSubscribers(EventPaymentAuthorized), 2)
	assert.Len(t, reg.GetSubscribers(EventPaymentDenied), 1)
	assert.Empty(t, reg.GetSubscribers(EventPaymentVoided))

	assert.Len(t, reg.ListAll(), 2)
	assert.Len(t, reg.ListByRestaurant(restaurantA), 1)
}

func TestRegistryRejectsInvalidSubscriptions(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&WebhookSubscription{Events: []EventType{EventPaymentAuthorized}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")

	err = reg.Register(&WebhookSubscription{URL: "https://a.example.com/hooks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event type is required")
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	sub := &WebhookSubscription{
		URL:    "https://a.example.com/hooks",
		Events: []EventType{EventPaymentFailed},
	}
	require.NoError(t, reg.Register(sub))
	require.NotEmpty(t, sub.ID)

	require.NoError(t, reg.Unregister(sub.ID))
	assert.Empty(t, reg.GetSubscribers(EventPaymentFailed))
	assert.Empty(t, reg.ListAll())

	require.Error(t, reg.Unregister("wh-missing"))
}

func TestRegistryDisablesAfterRepeatedFailures(t *testing.T) {
	reg := NewRegistry()
	sub := &WebhookSubscription{
		URL:    "https://a.example.com/hooks",
		Events: []EventType{EventPaymentAuthorized},
	}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < 9; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Len(t, reg.GetSubscribers(EventPaymentAuthorized), 1)

	reg.MarkFailed(sub.ID)
	assert.Empty(t, reg.GetSubscribers(EventPaymentAuthorized), "ten straight failures disable the endpoint")

	// Unknown ids are ignored
	reg.MarkFailed("wh-missing")
	reg.MarkDelivered("wh-missing")
}

func TestRegistryMarkDeliveredResetsStreak(t *testing.T) {
	reg := NewRegistry()
	sub := &WebhookSubscription{
		URL:    "https://a.example.com/hooks",
		Events: []EventType{EventPaymentAuthorized},
	}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < 9; i++ {
		reg.MarkFailed(sub.ID)
	}
	reg.MarkDelivered(sub.ID)
	reg.MarkFailed(sub.ID)

	assert.Len(t, reg.GetSubscribers(EventPaymentAuthorized), 1)
	assert.Equal(t, 1, sub.FailCount)
}

func TestRegistryEnforcesPerEventLimit(t *testing.T) {
	reg := NewRegistry()
	reg.maxPerEvent = 2

	for i := 0; i < 2; i++ {
		require.NoError(t, reg.Register(&WebhookSubscription{
			URL:    "https://a.example.com/hooks",
			Events: []EventType{EventPaymentVoided},
		}))
	}

	err := reg.Register(&WebhookSubscription{
		URL:    "https://late.example.com/hooks",
		Events: []EventType{EventPaymentVoided},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber limit")
}

func TestSignAndVerifyPayload(t *testing.T) {
	payload := []byte(`{"type":"payment.authorized"}`)
	secret := "whsec_test"

	sig := SignPayload(payload, secret)
	require.NotEmpty(t, sig)

	assert.True(t, VerifySignature(payload, secret, "sha256="+sig))
	assert.False(t, VerifySignature(payload, "whsec_other", "sha256="+sig))
	assert.False(t, VerifySignature([]byte(`{"type":"payment.denied"}`), secret, "sha256="+sig))
	assert.False(t, VerifySignature(payload, secret, sig), "signature header requires the sha256= prefix")
}
