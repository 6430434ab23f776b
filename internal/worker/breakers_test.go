package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/circuitbreaker"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/processor"
	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/tokenstore"
	"github.com/tably/payments/pb"
)

func tripBreaker(cb *circuitbreaker.CircuitBreaker) {
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) {
			return nil, &processor.Error{Code: processor.ErrCodeUnavailable, Retryable: true}
		})
	}
}

func TestWorkerProcessorCircuitOpenIsRetryable(t *testing.T) {
	db := testDB(t)
	w, tokens := testWorker(t, db)
	breakers := circuitbreaker.NewPaymentBreakers()
	w.WithBreakers(breakers)
	cp := interceptProcessor(w)

	rid := seedRestaurant(t, db)
	tokens.add("pt_breaker", "4242424242424242")
	id := createAuthRequest(t, w, db, rid, "pt_breaker", 5000)

	tripBreaker(breakers.Processor(restaurants.ProcessorMock))
	require.Equal(t, circuitbreaker.StateOpen, breakers.Processor(restaurants.ProcessorMock).State())

	res, err := w.ProcessAuthRequest(context.Background(), authMsg(id, rid))
	require.NoError(t, err)
	assert.Equal(t, ResultRetryableFailure, res)
	assert.Zero(t, cp.authorizeCalls(), "an open circuit must not reach the processor")

	st := getState(t, w, id)
	assert.Equal(t, eventlog.StatusProcessing, st.Status)

	events := loadEvents(t, w, id)
	require.Len(t, events, 3)
	var failed pb.AuthAttemptFailed
	require.NoError(t, failed.Unmarshal(events[2].EventData))
	assert.True(t, failed.IsRetryable)
	assert.Equal(t, processor.ErrCodeUnavailable, failed.ErrorCode)
	assert.Equal(t, int32(1), failed.RetryCount)
}

func TestWorkerTokenCircuitOpenIsRetryable(t *testing.T) {
	db := testDB(t)
	w, tokens := testWorker(t, db)
	breakers := circuitbreaker.NewPaymentBreakers()
	w.WithBreakers(breakers)

	rid := seedRestaurant(t, db)
	tokens.add("pt_token_breaker", "4242424242424242")
	id := createAuthRequest(t, w, db, rid, "pt_token_breaker", 5000)

	tripBreaker(breakers.TokenStore)

	res, err := w.ProcessAuthRequest(context.Background(), authMsg(id, rid))
	require.NoError(t, err)
	assert.Equal(t, ResultRetryableFailure, res)
	assert.Zero(t, tokens.callCount(), "an open circuit must not reach the token service")

	events := loadEvents(t, w, id)
	require.Len(t, events, 3)
	var failed pb.AuthAttemptFailed
	require.NoError(t, failed.Unmarshal(events[2].EventData))
	assert.True(t, failed.IsRetryable)
	assert.Equal(t, tokenstore.ClientErrUnavailable, failed.ErrorCode)
}

func TestWorkerBreakerIgnoresDenials(t *testing.T) {
	db := testDB(t)
	w, tokens := testWorker(t, db)
	breakers := circuitbreaker.NewPaymentBreakers()
	w.WithBreakers(breakers)

	rid := seedRestaurant(t, db)
	tokens.add("pt_denied_breaker", "4000000000009995")

	// Repeated denials must leave the processor circuit closed.
	for i := 0; i < 6; i++ {
		id := createAuthRequest(t, w, db, rid, "pt_denied_breaker", 5000)
		res, err := w.ProcessAuthRequest(context.Background(), authMsg(id, rid))
		require.NoError(t, err)
		require.Equal(t, ResultSuccess, res)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breakers.Processor(restaurants.ProcessorMock).State())
}
