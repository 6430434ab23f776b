package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// FromEnv builds the effective config for a process: .env file if present,
// then defaults, then the optional YAML file named by CONFIG_PATH, then
// environment variables. Later layers win field by field.
func FromEnv() (*Config, error) {
	// .env is for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		cfg = loaded
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	// Server
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.Server.CORSAllowOrigins = strings.Split(v, ",")
	}

	// Database
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}

	// Queues
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.Queues.ProjectID = v
	}
	if v := os.Getenv("AUTH_QUEUE"); v != "" {
		c.Queues.AuthRequestTopic = v
	}
	if v := os.Getenv("AUTH_QUEUE_SUBSCRIPTION"); v != "" {
		c.Queues.AuthRequestSub = v
	}
	if v := os.Getenv("VOID_QUEUE"); v != "" {
		c.Queues.VoidTopic = v
	}
	if v := os.Getenv("VOID_QUEUE_SUBSCRIPTION"); v != "" {
		c.Queues.VoidSub = v
	}
	if v := os.Getenv("EVENTS_TOPIC"); v != "" {
		c.Queues.EventsTopic = v
	}

	// Ingress fast path
	if v := envInt("FAST_PATH_WAIT_MS"); v > 0 {
		c.Ingress.FastPathWaitMs = v
	}

	// Outbox relay
	if v := os.Getenv("OUTBOX_ENABLED"); v != "" {
		c.Outbox.Enabled = v == "true"
	}
	if v := envInt("OUTBOX_POLL_INTERVAL_MS"); v > 0 {
		c.Outbox.PollIntervalMs = v
	}
	if v := envInt("OUTBOX_BATCH_SIZE"); v > 0 {
		c.Outbox.BatchSize = v
	}

	// Locks
	if v := envInt("LOCK_TTL"); v > 0 {
		c.Locks.TTLSeconds = v
	}

	// Worker
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := envInt("WORKER_CONCURRENCY"); v > 0 {
		c.Worker.Concurrency = v
	}
	if v := envInt("MAX_RETRIES"); v > 0 {
		c.Worker.MaxRetries = v
	}

	// Processor
	if v := envInt("PROCESSOR_TIMEOUT_MS"); v > 0 {
		c.Processor.TimeoutMs = v
	}
	if v := os.Getenv("PROCESSOR_STRICT_INVALID_REQUEST"); v != "" {
		c.Processor.StrictInvalidRequest = v == "true"
	}

	// Token store
	if v := os.Getenv("TOKEN_SERVICE_URL"); v != "" {
		c.Tokens.ServiceURL = v
	}
	if v := os.Getenv("SERVICE_AUTH_SECRET"); v != "" {
		c.Tokens.ServiceAuthSecret = v
	}
	if v := os.Getenv("TOKEN_SERVICE_PORT"); v != "" {
		c.Tokens.Port = v
	}
	if v := os.Getenv("TOKEN_INTERNAL_PORT"); v != "" {
		c.Tokens.InternalPort = v
	}
	if v := os.Getenv("TOKEN_DATABASE_URL"); v != "" {
		c.Tokens.DatabaseURL = v
	}
	if v := envInt("TOKEN_TTL_HOURS"); v > 0 {
		c.Tokens.TTLHours = v
	}
	if v := os.Getenv("CURRENT_KEY_VERSION"); v != "" {
		c.Tokens.CurrentKeyVersion = v
	}
	if v := os.Getenv("PRIMARY_ENCRYPTION_KEY"); v != "" {
		c.Tokens.PrimaryEncryptionKey = v
	}
	if v := os.Getenv("ALLOWED_SERVICES"); v != "" {
		c.Tokens.AllowedServices = strings.Split(v, ",")
	}
	if v := os.Getenv("ADMIN_SERVICES"); v != "" {
		c.Tokens.AdminServices = strings.Split(v, ",")
	}
	if v := os.Getenv("TOKEN_REQUIRE_MTLS"); v != "" {
		c.Tokens.RequireMTLS = v == "true"
	}

	// Rate limiting
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := envInt("RATE_LIMIT_PER_MINUTE"); v > 0 {
		c.RateLimit.RequestsPerMinute = v
	}

	// Webhooks
	if v := os.Getenv("WEBHOOK_MODE"); v != "" {
		c.Webhooks.Mode = v
	}
	if v := os.Getenv("CLOUD_TASKS_PROJECT"); v != "" {
		c.Webhooks.ProjectID = v
	}
	if v := os.Getenv("CLOUD_TASKS_LOCATION"); v != "" {
		c.Webhooks.Location = v
	}
	if v := os.Getenv("CLOUD_TASKS_QUEUE"); v != "" {
		c.Webhooks.Queue = v
	}
	if v := os.Getenv("WEBHOOK_AUTH_TOKEN"); v != "" {
		c.Webhooks.AuthToken = v
	}

	// SPIFFE
	if v := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); v != "" {
		c.SPIFFE.SocketPath = v
	}
	if v := os.Getenv("SPIFFE_TRUST_DOMAIN"); v != "" {
		c.SPIFFE.TrustDomain = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
