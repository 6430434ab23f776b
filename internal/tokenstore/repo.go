package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
)

// Decrypt audit results. One row lands in decrypt_audit_log per attempt,
// success or failure.
const (
	AuditSuccess            = "success"
	AuditUnauthenticated    = "unauthenticated"
	AuditServiceNotAllowed  = "service_not_allowed"
	AuditRestaurantMismatch = "restaurant_mismatch"
	AuditTokenNotFound      = "token_not_found"
	AuditTokenExpired       = "token_expired"
	AuditInternalError      = "internal_error"
)

// errIdempotencyRace is returned by CreateToken when a live idempotency row
// for the same (restaurant, key) landed first; the caller replays it.
var errIdempotencyRace = errors.New("idempotency key already bound")

// TokenRecord is a row of payment_tokens. Ciphertext is nonce||ciphertext
// under the service key identified by KeyVersion. Exactly one of DeviceToken
// or OriginKeyID is set, recording which client credential created it.
type TokenRecord struct {
	PaymentToken string
	RestaurantID uuid.UUID
	Ciphertext   []byte
	KeyVersion   string
	OriginKeyID  string
	DeviceToken  string
	Metadata     map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (r *TokenRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IdempotencyRecord is a row of token_idempotency_keys.
type IdempotencyRecord struct {
	IdempotencyKey string
	RestaurantID   uuid.UUID
	PaymentToken   string
	Fingerprint    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// DecryptAudit is a row of decrypt_audit_log.
type DecryptAudit struct {
	PaymentToken      string
	RestaurantID      uuid.UUID
	RequestingService string
	Result            string
	RequestID         string
}

// Repository persists tokens, idempotency rows, key versions, and the
// decrypt audit trail. It runs against the token database, which is
// separate from the payments database.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateToken inserts the token row and, when idem is non-nil, its
// idempotency binding in one transaction. A live conflicting idempotency
// row aborts the transaction with errIdempotencyRace; an expired one is
// taken over.
func (r *Repository) CreateToken(ctx context.Context, rec *TokenRecord, idem *IdempotencyRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode token metadata: %w", err)
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_tokens
				(payment_token, restaurant_id, encrypted_payment_data,
				 encryption_key_version, encryption_key_id, device_token,
				 token_metadata, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.PaymentToken, rec.RestaurantID, rec.Ciphertext,
			rec.KeyVersion, nullable(rec.OriginKeyID), nullable(rec.DeviceToken),
			metaJSON, rec.CreatedAt, rec.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert payment token: %w", err)
		}

		if idem == nil {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO token_idempotency_keys
				(idempotency_key, restaurant_id, payment_token,
				 request_fingerprint, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (idempotency_key, restaurant_id) DO UPDATE
			SET payment_token       = EXCLUDED.payment_token,
			    request_fingerprint = EXCLUDED.request_fingerprint,
			    created_at          = EXCLUDED.created_at,
			    expires_at          = EXCLUDED.expires_at
			WHERE token_idempotency_keys.expires_at <= NOW()`,
			idem.IdempotencyKey, idem.RestaurantID, idem.PaymentToken,
			idem.Fingerprint, idem.CreatedAt, idem.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert idempotency key: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read idempotency insert result: %w", err)
		}
		if affected == 0 {
			return errIdempotencyRace
		}
		return nil
	})
}

func (r *Repository) GetToken(ctx context.Context, paymentToken string) (*TokenRecord, error) {
	rec := &TokenRecord{}
	var keyID, deviceToken sql.NullString
	var metaJSON []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT payment_token, restaurant_id, encrypted_payment_data,
		       encryption_key_version, encryption_key_id, device_token,
		       token_metadata, created_at, expires_at
		FROM payment_tokens
		WHERE payment_token = $1`,
		paymentToken,
	).Scan(
		&rec.PaymentToken, &rec.RestaurantID, &rec.Ciphertext,
		&rec.KeyVersion, &keyID, &deviceToken,
		&metaJSON, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load payment token: %w", err)
	}

	rec.OriginKeyID = keyID.String
	rec.DeviceToken = deviceToken.String
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode token metadata: %w", err)
		}
	}
	return rec, nil
}

// UpdateCiphertext swaps a token's at-rest ciphertext after a lazy
// re-encrypt under a newer key version.
func (r *Repository) UpdateCiphertext(ctx context.Context, paymentToken string, ciphertext []byte, keyVersion string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_tokens
		SET encrypted_payment_data = $2, encryption_key_version = $3
		WHERE payment_token = $1`,
		paymentToken, ciphertext, keyVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update token ciphertext: %w", err)
	}
	return nil
}

func (r *Repository) GetIdempotency(ctx context.Context, restaurantID uuid.UUID, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT idempotency_key, restaurant_id, payment_token,
		       request_fingerprint, created_at, expires_at
		FROM token_idempotency_keys
		WHERE idempotency_key = $1 AND restaurant_id = $2`,
		key, restaurantID,
	).Scan(
		&rec.IdempotencyKey, &rec.RestaurantID, &rec.PaymentToken,
		&rec.Fingerprint, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load idempotency key: %w", err)
	}
	return rec, nil
}

func (r *Repository) InsertDecryptAudit(ctx context.Context, a *DecryptAudit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO decrypt_audit_log
			(payment_token, restaurant_id, requesting_service, result, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		a.PaymentToken, a.RestaurantID, a.RequestingService, a.Result, a.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decrypt audit row: %w", err)
	}
	return nil
}

// EnsureCurrentKeyVersion adopts the current key version from the table, or
// installs the configured one when the table has none. Returns the
// effective current version.
func (r *Repository) EnsureCurrentKeyVersion(ctx context.Context, version string) (string, error) {
	effective := version
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT key_version FROM encryption_keys WHERE status = 'current'`,
		).Scan(&existing)
		if err == nil {
			effective = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to load current key version: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO encryption_keys (key_version, status, installed_at)
			VALUES ($1, 'current', NOW())
			ON CONFLICT (key_version) DO UPDATE SET status = 'current', retired_at = NULL`,
			version,
		)
		if err != nil {
			return fmt.Errorf("failed to install key version: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return effective, nil
}

// RotateKeyVersion retires the current version and installs newVersion as
// current. Returns the retired version.
func (r *Repository) RotateKeyVersion(ctx context.Context, newVersion string) (string, error) {
	var previous string
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT key_version FROM encryption_keys WHERE status = 'current' FOR UPDATE`,
		).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to load current key version: %w", err)
		}

		if previous != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE encryption_keys
				SET status = 'retired', retired_at = NOW()
				WHERE key_version = $1`,
				previous,
			)
			if err != nil {
				return fmt.Errorf("failed to retire key version: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO encryption_keys (key_version, status, installed_at)
			VALUES ($1, 'current', NOW())
			ON CONFLICT (key_version) DO UPDATE SET status = 'current', retired_at = NULL`,
			newVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to install key version: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

// DeleteExpired removes tokens whose expiry is older than the retention
// window, plus any expired idempotency rows. Recently expired tokens are
// kept so reads keep answering 410 instead of 404.
func (r *Repository) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM payment_tokens WHERE expires_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	deleted, _ := res.RowsAffected()

	_, err = r.db.ExecContext(ctx,
		`DELETE FROM token_idempotency_keys WHERE expires_at < NOW()`,
	)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return deleted, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
