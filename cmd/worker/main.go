package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tably/payments/internal/circuitbreaker"
	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/identity"
	"github.com/tably/payments/internal/locks"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/internal/processor"
	"github.com/tably/payments/internal/queue"
	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/security"
	"github.com/tably/payments/internal/tokenstore"
	"github.com/tably/payments/internal/webhooks"
	"github.com/tably/payments/internal/worker"
)

// workerService is the identity this process asserts to the token service.
const workerService = "auth-processor-worker"

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
	recorder := eventlog.NewRecorder(db, store).WithNotifications(outbox.New(db))
	lockMgr := locks.NewManager(db, time.Duration(cfg.Locks.TTLSeconds)*time.Second, metrics)
	restaurantMgr := restaurants.NewManager(db)

	broker := security.NewBroker(security.BrokerConfig{Secret: cfg.Tokens.ServiceAuthSecret})
	tokens := tokenstore.NewClient(cfg.Tokens.ServiceURL, workerService, broker,
		time.Duration(cfg.Tokens.ClientTimeoutMs)*time.Millisecond)

	if cfg.SPIFFE.SocketPath != "" {
		verifier, err := identity.NewSPIFFEVerifier(cfg.SPIFFE.SocketPath)
		if err != nil {
			log.Fatalf("Failed to initialize SPIFFE identity: %v", err)
		}
		defer verifier.Close()

		tlsConf, err := verifier.ClientTLSConfig(identity.ServiceID(cfg.SPIFFE.TrustDomain, "token-service"))
		if err != nil {
			log.Fatalf("Failed to build mTLS client config: %v", err)
		}
		tokens.WithTLS(tlsConf)
		log.Println("🔐 Decrypt calls use SPIFFE mTLS")
	}

	registry := webhooks.NewRegistry()
	dispatcher := buildDispatcher(cfg, registry)
	defer dispatcher.Shutdown()

	breakers := circuitbreaker.NewPaymentBreakers()

	w := worker.New(store, recorder, lockMgr, restaurantMgr, tokens, worker.Config{
		WorkerID:   cfg.Worker.ID,
		MaxRetries: cfg.Worker.MaxRetries,
		Processor: processor.Options{
			Timeout:              time.Duration(cfg.Processor.TimeoutMs) * time.Millisecond,
			StrictInvalidRequest: cfg.Processor.StrictInvalidRequest,
		},
	}).
		WithNotifier(webhooks.NewEmitter(dispatcher)).
		WithBreakers(breakers).
		WithMetrics(metrics, tracker)

	qc, err := queue.NewClient(ctx, cfg.Queues.ProjectID)
	if err != nil {
		log.Fatalf("Failed to connect to Pub/Sub: %v", err)
	}
	defer qc.Close()

	consumer := worker.NewConsumer(w, qc, worker.Topics{
		AuthRequestTopic: cfg.Queues.AuthRequestTopic,
		AuthRequestSub:   cfg.Queues.AuthRequestSub,
		VoidTopic:        cfg.Queues.VoidTopic,
		VoidSub:          cfg.Queues.VoidSub,
	}, cfg.Worker.Concurrency)

	go lockMgr.RunCleanup(ctx)
	go serveOps(ctx, cfg, db, registry, breakers, tracker)

	// Run blocks until the shutdown signal; in-flight messages drain on
	// detached contexts inside the consumer.
	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("Consumer stopped with error: %v", err)
	}
	log.Println("Worker stopped")
}

// buildDispatcher picks the webhook delivery backend. Cloud Tasks gives
// durable at-least-once delivery; the in-memory pool covers local runs and
// acts as the fallback when the queue is unreachable at startup.
func buildDispatcher(cfg *config.Config, registry *webhooks.Registry) webhooks.WebhookEmitter {
	if cfg.Webhooks.Mode == "cloudtasks" {
		cd, err := webhooks.NewCloudDispatcher(registry,
			cfg.Webhooks.ProjectID, cfg.Webhooks.Location, cfg.Webhooks.Queue, 4)
		if err == nil {
			return cd
		}
		log.Printf("⚠️ Cloud Tasks unavailable, webhooks use the in-memory dispatcher: %v", err)
	}
	return webhooks.NewDispatcher(registry, 4)
}

// serveOps runs the worker's operational listener: metrics, health, live
// stats, and webhook subscription management.
func serveOps(ctx context.Context, cfg *config.Config, db *sql.DB, registry *webhooks.Registry,
	breakers *circuitbreaker.PaymentBreakers, tracker *monitoring.Tracker) {

	// Webhook subscriptions control where payment events get delivered, so
	// the admin routes take a bearer token when one is configured.
	admin := requireBearer(cfg.Webhooks.AuthToken)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(db, breakers)).Methods(http.MethodGet)
	router.HandleFunc("/internal/v1/stats", workerStatsHandler(tracker, breakers)).Methods(http.MethodGet)
	router.HandleFunc("/internal/v1/webhooks", admin(webhooks.HandleListWebhooks(registry))).Methods(http.MethodGet)
	router.HandleFunc("/internal/v1/webhooks", admin(webhooks.HandleRegisterWebhook(registry))).Methods(http.MethodPost)
	router.HandleFunc("/internal/v1/webhooks/{webhookId}", admin(webhooks.HandleDeleteWebhook(registry))).Methods(http.MethodDelete)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("📊 Worker ops listener on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Ops listener failed: %v", err)
	}
}

// requireBearer gates a handler behind "Authorization: Bearer <token>". An
// empty token leaves the handler open, which is the local-dev default.
func requireBearer(token string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
}

func healthHandler(db *sql.DB, breakers *circuitbreaker.PaymentBreakers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		dbStatus := "connected"
		if err := db.PingContext(ctx); err != nil {
			status = "degraded"
			dbStatus = "error"
		}
		overall, _ := breakers.HealthStatus()
		if overall != "HEALTHY" {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":   status,
			"service":  "payments-worker",
			"database": dbStatus,
			"breakers": overall,
		})
	}
}

func workerStatsHandler(tracker *monitoring.Tracker, breakers *circuitbreaker.PaymentBreakers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall, states := breakers.HealthStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"live":          tracker.GetLiveStats(),
			"breakers":      states,
			"breaker_state": overall,
			"recent_errors": tracker.GetRecentErrors(10),
			"alerts":        tracker.GetActiveAlerts(),
		})
	}
}
