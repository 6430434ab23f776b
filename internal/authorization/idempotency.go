package authorization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// errIdempotencyRace means another request bound the key while ours was in
// flight. The caller rolls back and replays the lookup.
var errIdempotencyRace = errors.New("idempotency key bound concurrently")

// idempotencyBinding is one auth_idempotency_keys row.
type idempotencyBinding struct {
	AuthRequestID uuid.UUID
	Fingerprint   string
	ExpiresAt     time.Time
}

// getBinding loads the live binding for (restaurant, key). Expired rows are
// treated as absent; bindIdempotency takes them over.
func (s *Service) getBinding(ctx context.Context, restaurantID uuid.UUID, key string) (*idempotencyBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT auth_request_id, request_fingerprint, expires_at
		FROM auth_idempotency_keys
		WHERE idempotency_key = $1 AND restaurant_id = $2
	`, key, restaurantID)

	b := &idempotencyBinding{}
	if err := row.Scan(&b.AuthRequestID, &b.Fingerprint, &b.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load idempotency binding: %w", err)
	}
	if time.Now().After(b.ExpiresAt) {
		return nil, nil
	}
	return b, nil
}

// bindIdempotency inserts the binding inside tx. An expired row is taken
// over in place; a live row means a concurrent request won the key and the
// whole transaction must roll back.
func (s *Service) bindIdempotency(ctx context.Context, tx *sql.Tx, restaurantID uuid.UUID, key string, authRequestID uuid.UUID, fingerprint string) error {
	retention := fmt.Sprintf("%d seconds", int(s.idempotencyTTL.Seconds()))
	res, err := tx.ExecContext(ctx, `
		INSERT INTO auth_idempotency_keys (
			idempotency_key, restaurant_id, auth_request_id,
			request_fingerprint, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + $5::interval)
		ON CONFLICT (idempotency_key, restaurant_id) DO UPDATE
		SET auth_request_id = EXCLUDED.auth_request_id,
		    request_fingerprint = EXCLUDED.request_fingerprint,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE auth_idempotency_keys.expires_at <= NOW()
	`, key, restaurantID, authRequestID, fingerprint, retention)
	if err != nil {
		return fmt.Errorf("failed to bind idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read idempotency bind result: %w", err)
	}
	if n == 0 {
		return errIdempotencyRace
	}
	return nil
}
