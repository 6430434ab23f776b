package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/identity"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/security"
	"github.com/tably/payments/internal/tokenstore"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Tokens.PrimaryEncryptionKey == "" {
		log.Fatal("PRIMARY_ENCRYPTION_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenDB, err := database.Open(cfg.Tokens.DatabaseURL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to open token database: %v", err)
	}
	defer tokenDB.Close()

	// Restaurant API keys live in the payments database; token rows get a
	// database of their own.
	paymentsDB, err := database.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to open payments database: %v", err)
	}
	defer paymentsDB.Close()

	metrics := monitoring.NewMetrics()
	tracker := monitoring.NewTracker()

	keyring, err := tokenstore.NewKeyring(cfg.Tokens.PrimaryEncryptionKey)
	if err != nil {
		log.Fatalf("Failed to build keyring: %v", err)
	}

	service := tokenstore.NewService(tokenstore.NewRepository(tokenDB), keyring, tokenstore.ServiceConfig{
		TTL:               time.Duration(cfg.Tokens.TTLHours) * time.Hour,
		CurrentKeyVersion: cfg.Tokens.CurrentKeyVersion,
		AllowedServices:   cfg.Tokens.AllowedServices,
	}, metrics, tracker)
	if err := service.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize encryption key versions: %v", err)
	}
	go service.RunCleanup(ctx)

	broker := security.NewBroker(security.BrokerConfig{Secret: cfg.Tokens.ServiceAuthSecret})
	handlers := tokenstore.NewHandlers(service, broker, restaurants.NewManager(paymentsDB), cfg.Tokens.AdminServices)

	useMTLS := cfg.Tokens.RequireMTLS && cfg.SPIFFE.SocketPath != ""

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if useMTLS {
		handlers.RegisterPublic(router)
	} else {
		handlers.Register(router)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Tokens.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var internal *http.Server
	if useMTLS {
		verifier, err := identity.NewSPIFFEVerifier(cfg.SPIFFE.SocketPath)
		if err != nil {
			log.Fatalf("Failed to initialize SPIFFE identity: %v", err)
		}
		defer verifier.Close()

		// Decrypt is worker-only; rotation comes in under the admin SVID.
		tlsConf, err := verifier.ServerTLSConfig(
			identity.ServiceID(cfg.SPIFFE.TrustDomain, "auth-processor-worker"),
			identity.ServiceID(cfg.SPIFFE.TrustDomain, "token-admin"),
		)
		if err != nil {
			log.Fatalf("Failed to build mTLS server config: %v", err)
		}

		internalRouter := mux.NewRouter()
		handlers.RegisterInternal(internalRouter)
		internal = &http.Server{
			Addr:         ":" + cfg.Tokens.InternalPort,
			Handler:      internalRouter,
			TLSConfig:    tlsConf,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Printf("🔒 Internal mTLS listener on port %s", cfg.Tokens.InternalPort)
			if err := internal.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Internal listener failed: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if internal != nil {
			internal.Shutdown(shutdownCtx)
		}
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Token service starting on port %s (env=%s, key=%s)",
		cfg.Tokens.Port, cfg.Server.Env, service.CurrentKeyVersion())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Token service stopped")
}
