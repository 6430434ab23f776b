package middleware

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tably/payments/internal/restaurants"
)

// CounterStore counts hits against a key inside a time window. The Redis
// adapter in internal/infra implements it for multi-replica deployments;
// MemoryCounter covers single-process and local runs.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimiter enforces per-restaurant request limits on the API.
//
// Uses a fixed window: the minute bucket is part of the counter key, so a
// window expires by key rollover rather than by resetting counts.
type RateLimiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	logger *log.Logger
}

// NewRateLimiter creates a rate limiter over the given counter store. A nil
// store falls back to the in-memory counter.
func NewRateLimiter(store CounterStore, requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 300
	}
	if store == nil {
		store = NewMemoryCounter()
	}
	return &RateLimiter{
		store:  store,
		limit:  int64(requestsPerMinute),
		window: time.Minute,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow reports whether a request from the given key is within its limit.
// Counter store outages fail open.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	bucket := time.Now().Unix() / int64(rl.window/time.Second)
	counterKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	count, err := rl.store.IncrWindow(ctx, counterKey, 2*rl.window)
	if err != nil {
		rl.logger.Printf("⚠️ Counter store error for %s: %v", key, err)
		return true
	}
	if count > rl.limit {
		if count == rl.limit+1 {
			rl.logger.Printf("🚫 Rate limit exceeded: key=%s limit=%d", key, rl.limit)
		}
		return false
	}
	return true
}

// Middleware returns an HTTP middleware that enforces rate limiting. Keys
// are the authenticated restaurant when one is in context, otherwise the
// client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.Context(), clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"limit_per_minute": rl.limit,
	}
	if s, ok := rl.store.(interface{ Stats() map[string]interface{} }); ok {
		for k, v := range s.Stats() {
			stats[k] = v
		}
	}
	return stats
}

func clientKey(r *http.Request) string {
	if rest, err := restaurants.FromContext(r.Context()); err == nil {
		return "restaurant:" + rest.RestaurantID.String()
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			fwd = fwd[:i]
		}
		return "ip:" + strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// MemoryCounter is the in-process CounterStore. Windows are garbage
// collected periodically.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an in-memory counter with background cleanup.
func NewMemoryCounter() *MemoryCounter {
	mc := &MemoryCounter{windows: make(map[string]*memoryWindow)}
	go mc.cleanup()
	return mc
}

func (mc *MemoryCounter) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	window, ok := mc.windows[key]
	if !ok || now.After(window.expires) {
		window = &memoryWindow{expires: now.Add(ttl)}
		mc.windows[key] = window
	}
	window.count++
	return window.count, nil
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (mc *MemoryCounter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		mc.mu.Lock()
		now := time.Now()
		for key, window := range mc.windows {
			if now.After(window.expires) {
				delete(mc.windows, key)
			}
		}
		mc.mu.Unlock()
	}
}

// Stats reports the live window count.
func (mc *MemoryCounter) Stats() map[string]interface{} {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return map[string]interface{}{
		"active_windows": len(mc.windows),
	}
}
