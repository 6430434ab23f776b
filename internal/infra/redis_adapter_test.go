package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/middleware"
)

// The rate limiter only sees the CounterStore interface, so a drift between
// the two packages has to fail here at compile time.
var _ middleware.CounterStore = (*GoRedisAdapter)(nil)

func testAdapter(t *testing.T) *GoRedisAdapter {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	a, err := NewGoRedisAdapter(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestIncrWindowCounts(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:ratelimit:%d", time.Now().UnixNano())

	for want := int64(1); want <= 3; want++ {
		got, err := a.IncrWindow(ctx, key, time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestIncrWindowExpires(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:ratelimit:%d", time.Now().UnixNano())

	got, err := a.IncrWindow(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	time.Sleep(200 * time.Millisecond)

	// The key expired, so the count restarts rather than accumulating.
	got, err = a.IncrWindow(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)
}

func TestPing(t *testing.T) {
	a := testAdapter(t)
	require.NoError(t, a.Ping(context.Background()))
}
