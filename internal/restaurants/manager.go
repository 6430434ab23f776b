// Package restaurants manages restaurant records, their API keys, and their
// payment processor configuration.
package restaurants

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRestaurantNotFound = errors.New("restaurant not found")
	ErrConfigNotFound     = errors.New("payment config not found")
	ErrInvalidAPIKey      = errors.New("invalid api key")
)

// Restaurant is one onboarded restaurant.
type Restaurant struct {
	RestaurantID uuid.UUID
	Name         string
	Status       string // "ACTIVE", "SUSPENDED"
	CreatedAt    time.Time
}

// PaymentConfig is a restaurant's active processor configuration.
type PaymentConfig struct {
	RestaurantID        uuid.UUID
	ConfigVersion       string
	Processor           ProcessorConfig
	StatementDescriptor string
	IsActive            bool
	UpdatedAt           time.Time
}

// APIKey is the stored half of a restaurant credential. The secret exists
// only in the returned full key; the table keeps its bcrypt hash.
type APIKey struct {
	KeyID        string
	RestaurantID uuid.UUID
	Name         string
	KeyHash      string
	IsActive     bool
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Manager loads restaurants and configs and validates API keys.
type Manager struct {
	db *sql.DB
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// ============================================================================
// RESTAURANT OPERATIONS
// ============================================================================

// GetRestaurant retrieves a restaurant by ID.
func (m *Manager) GetRestaurant(ctx context.Context, restaurantID uuid.UUID) (*Restaurant, error) {
	var r Restaurant
	err := m.db.QueryRowContext(ctx, `
		SELECT restaurant_id, name, status, created_at
		FROM restaurants WHERE restaurant_id = $1
	`, restaurantID).Scan(&r.RestaurantID, &r.Name, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRestaurantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restaurant: %w", err)
	}
	return &r, nil
}

// LoadRestaurant validates and loads a restaurant, ensuring it is active.
func (m *Manager) LoadRestaurant(ctx context.Context, restaurantID uuid.UUID) (*Restaurant, error) {
	r, err := m.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if r.Status != "ACTIVE" {
		return nil, fmt.Errorf("restaurant is %s", r.Status)
	}
	return r, nil
}

// ============================================================================
// PAYMENT CONFIG
// ============================================================================

// GetConfig returns the restaurant's active payment config.
func (m *Manager) GetConfig(ctx context.Context, restaurantID uuid.UUID) (*PaymentConfig, error) {
	var (
		cfg           PaymentConfig
		processorName string
		rawConfig     []byte
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT restaurant_id, config_version, processor_name, processor_config, statement_descriptor, is_active, updated_at
		FROM restaurant_payment_configs
		WHERE restaurant_id = $1 AND is_active = TRUE
	`, restaurantID).Scan(&cfg.RestaurantID, &cfg.ConfigVersion, &processorName, &rawConfig, &cfg.StatementDescriptor, &cfg.IsActive, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment config: %w", err)
	}

	cfg.Processor, err = decodeProcessorConfig(processorName, rawConfig)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig upserts the restaurant's payment config and marks it active.
func (m *Manager) SaveConfig(ctx context.Context, cfg *PaymentConfig) error {
	raw, err := encodeProcessorConfig(cfg.Processor)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO restaurant_payment_configs (restaurant_id, config_version, processor_name, processor_config, statement_descriptor, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		ON CONFLICT (restaurant_id) DO UPDATE
		SET config_version = EXCLUDED.config_version,
		    processor_name = EXCLUDED.processor_name,
		    processor_config = EXCLUDED.processor_config,
		    statement_descriptor = EXCLUDED.statement_descriptor,
		    is_active = TRUE,
		    updated_at = NOW()
	`, cfg.RestaurantID, cfg.ConfigVersion, cfg.Processor.Name, raw, cfg.StatementDescriptor)
	if err != nil {
		return fmt.Errorf("failed to save payment config: %w", err)
	}
	return nil
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: tably_<id>.<secret>
func (m *Manager) CreateAPIKey(ctx context.Context, restaurantID uuid.UUID, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("tably_%s.%s", keyID, secret)

	// Only the secret half is hashed; the ID half is the lookup key.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &APIKey{
		KeyID:        keyID,
		RestaurantID: restaurantID,
		Name:         name,
		KeyHash:      string(secretHash),
		IsActive:     true,
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO restaurant_api_keys (key_id, restaurant_id, name, key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
	`, apiKey.KeyID, apiKey.RestaurantID, apiKey.Name, apiKey.KeyHash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	return apiKey, fullKey, nil
}

// ValidateAPIKey validates a full key and returns the owning restaurant.
// Key format: tably_<key_id>.<secret>
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Restaurant, error) {
	if !strings.HasPrefix(fullKey, "tably_") {
		return nil, ErrInvalidAPIKey
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, "tably_"), ".")
	if len(parts) != 2 {
		return nil, ErrInvalidAPIKey
	}
	keyID, secret := parts[0], parts[1]

	var key APIKey
	err := m.db.QueryRowContext(ctx, `
		SELECT key_id, restaurant_id, key_hash, is_active, expires_at
		FROM restaurant_api_keys WHERE key_id = $1
	`, keyID).Scan(&key.KeyID, &key.RestaurantID, &key.KeyHash, &key.IsActive, &key.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	return m.LoadRestaurant(ctx, key.RestaurantID)
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const restaurantKey contextKey = "restaurant"

// WithRestaurant adds the authenticated restaurant to the context.
func WithRestaurant(ctx context.Context, r *Restaurant) context.Context {
	return context.WithValue(ctx, restaurantKey, r)
}

// FromContext extracts the authenticated restaurant from the context.
func FromContext(ctx context.Context) (*Restaurant, error) {
	r, ok := ctx.Value(restaurantKey).(*Restaurant)
	if !ok || r == nil {
		return nil, errors.New("restaurant context missing")
	}
	return r, nil
}
