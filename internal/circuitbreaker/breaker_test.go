package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

func tripConfig(threshold uint32, timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= threshold },
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(tripConfig(3, time.Minute))

	calls := 0
	failing := func() (interface{}, error) { calls++; return nil, errDown }

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(failing)
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls, "an open circuit must not invoke the call")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(tripConfig(1, 30*time.Millisecond))

	_, err := cb.Execute(func() (interface{}, error) { return nil, errDown })
	require.ErrorIs(t, err, errDown)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(tripConfig(1, 30*time.Millisecond))

	cb.Execute(func() (interface{}, error) { return nil, errDown })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() (interface{}, error) { return nil, errDown })
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteClassifiedIgnoresBusinessErrors(t *testing.T) {
	errDeclined := errors.New("card_declined")
	cb := New(tripConfig(2, time.Minute))
	isFailure := func(err error) bool { return !errors.Is(err, errDeclined) }

	for i := 0; i < 5; i++ {
		_, err := cb.ExecuteClassified(context.Background(), func(context.Context) (interface{}, error) {
			return nil, errDeclined
		}, isFailure)
		require.ErrorIs(t, err, errDeclined)
	}
	assert.Equal(t, StateClosed, cb.State(), "declines are healthy answers")

	for i := 0; i < 2; i++ {
		cb.ExecuteClassified(context.Background(), func(context.Context) (interface{}, error) {
			return nil, errDown
		}, isFailure)
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestAllowReflectsState(t *testing.T) {
	cb := New(tripConfig(1, time.Minute))
	require.NoError(t, cb.Allow())

	cb.Execute(func() (interface{}, error) { return nil, errDown })
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestIsOpen(t *testing.T) {
	assert.True(t, IsOpen(ErrCircuitOpen))
	assert.True(t, IsOpen(ErrTooManyRequests))
	assert.False(t, IsOpen(errDown))
	assert.False(t, IsOpen(nil))
}

func TestManagerReusesBreakersByName(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("tokens")
	b := m.Get("tokens")
	assert.Same(t, a, b)

	stats := m.Stats()
	require.Contains(t, stats, "tokens")
	assert.Equal(t, StateClosed, stats["tokens"].State)
}

func TestPaymentBreakersIsolateProcessors(t *testing.T) {
	breakers := NewPaymentBreakers()

	mock := breakers.Processor("mock")
	stripe := breakers.Processor("stripe")
	require.NotSame(t, mock, stripe)
	assert.Same(t, mock, breakers.Processor("mock"))

	for i := 0; i < 5; i++ {
		mock.Execute(func() (interface{}, error) { return nil, errDown })
	}
	assert.Equal(t, StateOpen, mock.State())
	assert.Equal(t, StateClosed, stripe.State())
	assert.Equal(t, StateClosed, breakers.TokenStore.State())

	health, statuses := breakers.HealthStatus()
	assert.Equal(t, "DEGRADED", health)
	assert.Equal(t, "OPEN", statuses["processor:mock"])
	assert.Equal(t, "CLOSED", statuses["processor:stripe"])
}
