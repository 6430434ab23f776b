package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tably/payments/internal/authorization"
	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/infra"
	"github.com/tably/payments/internal/middleware"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/internal/queue"
	"github.com/tably/payments/internal/restaurants"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to open payments database: %v", err)
	}
	defer db.Close()

	metrics := monitoring.NewMetrics()
	tracker := monitoring.NewTracker()

	store := eventlog.NewStore(db)
	ob := outbox.New(db)
	waiters := authorization.NewWaiters()
	restaurantMgr := restaurants.NewManager(db)

	svc := authorization.NewService(db, store, ob, waiters, authorization.Config{
		FastPathWait: time.Duration(cfg.Ingress.FastPathWaitMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.Ingress.PollIntervalMs) * time.Millisecond,
	}, metrics, tracker)
	handlers := authorization.NewHandlers(svc)

	// Rate limit counters live in Redis when an address is configured, so
	// every API replica shares one window. Local runs stay in memory.
	var counter middleware.CounterStore
	if cfg.RateLimit.RedisAddr != "" {
		redis, err := infra.NewGoRedisAdapter(cfg.RateLimit.RedisAddr, "", 0)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, rate limiting falls back to in-memory: %v", err)
		} else {
			defer redis.Close()
			counter = redis
			handlers.WithHealthCheck("redis", redis.Ping)
		}
	}
	limiter := middleware.NewRateLimiter(counter, cfg.RateLimit.RequestsPerMinute)

	// The outbox relay runs inside the API process: the ingress writes the
	// rows, so this is the shortest path from commit to queue.
	if cfg.Outbox.Enabled {
		qc, err := queue.NewClient(ctx, cfg.Queues.ProjectID)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer qc.Close()

		relay := outbox.NewRelay(db, ob, qc, outbox.Topics{
			AuthRequests: cfg.Queues.AuthRequestTopic,
			VoidRequests: cfg.Queues.VoidTopic,
			Events:       cfg.Queues.EventsTopic,
		}, time.Duration(cfg.Outbox.PollIntervalMs)*time.Millisecond, cfg.Outbox.BatchSize, metrics)
		go relay.Run(ctx)

		handlers.WithHealthCheck("queue", func(ctx context.Context) error {
			return qc.HealthCheck(ctx, cfg.Queues.AuthRequestTopic)
		})
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/internal/v1/stats", statsHandler(tracker, limiter)).Methods(http.MethodGet)

	// Status reads, the stream endpoint, and /health stay public; the
	// POST routes require an API key and are rate limited per restaurant.
	public := router.NewRoute().Subrouter()
	authed := router.NewRoute().Subrouter()

	allowHeaderAuth := cfg.Server.Env == "development"
	authed.Use(func(next http.Handler) http.Handler {
		return middleware.AuthMiddleware(restaurantMgr, allowHeaderAuth, next.ServeHTTP)
	})
	authed.Use(limiter.Middleware)

	handlers.Register(public, authed)
	router.Use(middleware.CORS(cfg.Server.CORSAllowOrigins))
	router.Use(middleware.RequestLogger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Payments API starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// statsHandler reports live counters for the ops dashboard. Prometheus owns
// long-term metrics; this is the "what is happening right now" view.
func statsHandler(tracker *monitoring.Tracker, limiter *middleware.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"live":          tracker.GetLiveStats(),
			"rate_limit":    limiter.Stats(),
			"recent_errors": tracker.GetRecentErrors(10),
			"alerts":        tracker.GetActiveAlerts(),
		})
	}
}
