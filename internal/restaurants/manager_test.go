package restaurants

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/database"
)

// These tests need a real Postgres with the payments schema loaded
// (scripts/payments_schema.sql). They skip when TEST_DATABASE_URL is unset.

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Open(url, 5, 2)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRestaurant(t *testing.T, ctx context.Context, db *sql.DB, status string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO restaurants (restaurant_id, name, status) VALUES ($1, $2, $3)
	`, id, "Test Kitchen", status)
	require.NoError(t, err)
	return id
}

func TestAPIKeyLifecycle(t *testing.T) {
	db := testDB(t)
	m := NewManager(db)
	ctx := context.Background()
	restaurantID := seedRestaurant(t, ctx, db, "ACTIVE")

	key, fullKey, err := m.CreateAPIKey(ctx, restaurantID, "pos-terminal")
	require.NoError(t, err)
	assert.Len(t, key.KeyID, 16)
	assert.Contains(t, fullKey, "tably_"+key.KeyID+".")

	r, err := m.ValidateAPIKey(ctx, fullKey)
	require.NoError(t, err)
	assert.Equal(t, restaurantID, r.RestaurantID)
}

func TestValidateAPIKeyRejectsBadSecrets(t *testing.T) {
	db := testDB(t)
	m := NewManager(db)
	ctx := context.Background()
	restaurantID := seedRestaurant(t, ctx, db, "ACTIVE")

	key, _, err := m.CreateAPIKey(ctx, restaurantID, "pos-terminal")
	require.NoError(t, err)

	_, err = m.ValidateAPIKey(ctx, "tably_"+key.KeyID+".wrongsecret")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = m.ValidateAPIKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = m.ValidateAPIKey(ctx, "tably_missingdot")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateAPIKeyRejectsSuspendedRestaurant(t *testing.T) {
	db := testDB(t)
	m := NewManager(db)
	ctx := context.Background()
	restaurantID := seedRestaurant(t, ctx, db, "SUSPENDED")

	_, fullKey, err := m.CreateAPIKey(ctx, restaurantID, "pos-terminal")
	require.NoError(t, err)

	_, err = m.ValidateAPIKey(ctx, fullKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUSPENDED")
}

func TestConfigRoundTrip(t *testing.T) {
	db := testDB(t)
	m := NewManager(db)
	ctx := context.Background()
	restaurantID := seedRestaurant(t, ctx, db, "ACTIVE")

	err := m.SaveConfig(ctx, &PaymentConfig{
		RestaurantID:  restaurantID,
		ConfigVersion: "v2",
		Processor: ProcessorConfig{
			Name:   ProcessorStripe,
			Stripe: &StripeConfig{APIKey: "sk_test_abc"},
		},
	})
	require.NoError(t, err)

	cfg, err := m.GetConfig(ctx, restaurantID)
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.ConfigVersion)
	assert.Equal(t, ProcessorStripe, cfg.Processor.Name)
	require.NotNil(t, cfg.Processor.Stripe)
	assert.Equal(t, "sk_test_abc", cfg.Processor.Stripe.APIKey)
}

func TestGetConfigNotFound(t *testing.T) {
	db := testDB(t)
	m := NewManager(db)
	ctx := context.Background()

	_, err := m.GetConfig(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestContextHelpers(t *testing.T) {
	r := &Restaurant{RestaurantID: uuid.New(), Status: "ACTIVE"}
	ctx := WithRestaurant(context.Background(), r)

	got, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.RestaurantID, got.RestaurantID)

	_, err = FromContext(context.Background())
	assert.Error(t, err)
}
