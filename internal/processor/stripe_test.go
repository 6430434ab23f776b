package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/restaurants"
)

func testStripe(t *testing.T, handler http.HandlerFunc, strict bool) *Stripe {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s := NewStripe(&restaurants.StripeConfig{APIKey: "sk_test_x"}, 2*time.Second, strict)
	s.baseURL = server.URL
	return s
}

func stripeAuthRequest() *AuthRequest {
	return &AuthRequest{
		AuthRequestID:  uuid.New(),
		RestaurantID:   uuid.New(),
		AmountCents:    5000,
		Currency:       "USD",
		Card:           Card{Number: "4242424242424242", ExpMonth: 12, ExpYear: 2030, CVC: "123"},
		IdempotencyKey: "idem-1",
	}
}

func TestStripeAuthorizeSuccess(t *testing.T) {
	var gotIdempotency, gotAuth string
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")

		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "5000", r.FormValue("amount"))
		assert.Equal(t, "usd", r.FormValue("currency"))
		assert.Equal(t, "manual", r.FormValue("capture_method"))
		assert.Equal(t, "4242424242424242", r.FormValue("payment_method_data[card][number]"))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pi_123","status":"requires_capture","amount":5000,"currency":"usd","latest_charge":"ch_9"}`))
	}, false)

	res, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.NoError(t, err)

	assert.True(t, res.Authorized)
	assert.Equal(t, "stripe", res.ProcessorName)
	assert.Equal(t, "pi_123", res.ProcessorAuthID)
	assert.Equal(t, "ch_9", res.AuthorizationCode)
	assert.Equal(t, int64(5000), res.AuthorizedAmountCents)
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, "idem-1", gotIdempotency)
	assert.Equal(t, "Bearer sk_test_x", gotAuth)
}

func TestStripeCardDeclineIsDecision(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	}, false)

	res, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.NoError(t, err)

	assert.False(t, res.Authorized)
	assert.Equal(t, "insufficient_funds", res.DenialCode)
	assert.Equal(t, "Your card has insufficient funds.", res.DenialReason)
}

func TestStripeRequiresActionIsDenied(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pi_3ds","status":"requires_action","amount":5000,"currency":"usd"}`))
	}, false)

	res, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.NoError(t, err)

	assert.False(t, res.Authorized)
	assert.Equal(t, "requires_action", res.DenialCode)
}

func TestStripeRateLimitIsRetryable(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"Too many requests"}}`))
	}, false)

	_, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeRateLimited, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestStripeServerErrorIsRetryable(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, false)

	_, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestStripeAuthFailureIsFatalConfig(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`))
	}, false)

	_, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeConfigInvalid, pe.Code)
	assert.False(t, pe.Retryable)
}

func TestStripeAmbiguousInvalidRequestPolicy(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Something is off"}}`))
	}

	lenient := testStripe(t, handler, false)
	_, err := lenient.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	strict := testStripe(t, handler, true)
	_, err = strict.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	pe, _ := AsError(err)
	assert.Equal(t, ErrCodeInvalidRequest, pe.Code)
}

func TestStripeTimeoutIsRetryable(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}, false)
	s.client.Timeout = 20 * time.Millisecond

	_, err := s.Authorize(context.Background(), stripeAuthRequest())
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, pe.Retryable)
	assert.Equal(t, ErrCodeTimeout, pe.Code)
}

func TestStripeVoid(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_123/cancel", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pi_123","status":"canceled"}`))
	}, false)

	res, err := s.Void(context.Background(), &VoidRequest{ProcessorAuthID: "pi_123", Reason: "void_requested"})
	require.NoError(t, err)
	assert.True(t, res.Voided)
}

func TestStripeVoidUnknownIntentIsFatal(t *testing.T) {
	s := testStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
	}, false)

	_, err := s.Void(context.Background(), &VoidRequest{ProcessorAuthID: "pi_missing"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestFactorySelectsAdapter(t *testing.T) {
	mockCfg := &restaurants.PaymentConfig{
		Processor: restaurants.ProcessorConfig{Name: restaurants.ProcessorMock, Mock: &restaurants.MockConfig{}},
	}
	p, err := New(mockCfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	stripeCfg := &restaurants.PaymentConfig{
		Processor: restaurants.ProcessorConfig{Name: restaurants.ProcessorStripe, Stripe: &restaurants.StripeConfig{APIKey: "sk"}},
	}
	p, err = New(stripeCfg, Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
}

func TestFactoryRejectsUnsupportedProcessors(t *testing.T) {
	chaseCfg := &restaurants.PaymentConfig{
		Processor: restaurants.ProcessorConfig{Name: restaurants.ProcessorChase, Chase: &restaurants.ChaseConfig{MerchantID: "m"}},
	}
	_, err := New(chaseCfg, Options{})
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeConfigInvalid, pe.Code)
	assert.False(t, pe.Retryable)

	invalid := &restaurants.PaymentConfig{Processor: restaurants.ProcessorConfig{Name: "stripe"}}
	_, err = New(invalid, Options{})
	assert.Error(t, err)
}
