// Package locks implements per-auth-request processing locks on Postgres.
// A lock row either belongs to a live holder or is expired; acquisition
// takes over expired rows in the same statement that inserts fresh ones, so
// two workers can never both hold a key.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/monitoring"
)

// DefaultTTL bounds how long a crashed worker can strand a lock.
const DefaultTTL = 30 * time.Second

const cleanupInterval = 30 * time.Second

// Lock reports an acquisition attempt. When Acquired is false,
// CurrentHolder and CurrentExpiry describe the live holder.
type Lock struct {
	Acquired      bool
	TakenOver     bool
	CurrentHolder string
	CurrentExpiry time.Time
}

// Manager acquires, renews, and releases processing locks.
type Manager struct {
	db      *sql.DB
	ttl     time.Duration
	metrics *monitoring.Metrics
	logger  *log.Logger
}

func NewManager(db *sql.DB, ttl time.Duration, metrics *monitoring.Metrics) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		db:      db,
		ttl:     ttl,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[LOCKS] ", log.LstdFlags),
	}
}

// TTL returns the manager's default lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire attempts to take the lock for authRequestID. It succeeds when no
// row exists or the existing row has expired, in one atomic upsert. A ttl of
// zero uses the manager default.
func (m *Manager) Acquire(ctx context.Context, authRequestID uuid.UUID, workerID string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	var inserted bool
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO auth_processing_locks (auth_request_id, worker_id, locked_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (auth_request_id) DO UPDATE
		SET worker_id = EXCLUDED.worker_id,
		    locked_at = EXCLUDED.locked_at,
		    expires_at = EXCLUDED.expires_at
		WHERE auth_processing_locks.expires_at <= NOW()
		RETURNING (xmax = 0) AS inserted
	`, authRequestID, workerID, ttl.Seconds()).Scan(&inserted)

	if err == nil {
		lock := &Lock{Acquired: true, TakenOver: !inserted}
		if lock.TakenOver {
			m.metrics.RecordLockAcquisition("takeover")
			m.logger.Printf("♻️ Lock on %s taken over from expired holder by %s", authRequestID, workerID)
		} else {
			m.metrics.RecordLockAcquisition("acquired")
		}
		return lock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	// Upsert matched a live row. Report who holds it.
	lock := &Lock{Acquired: false}
	err = m.db.QueryRowContext(ctx, `
		SELECT worker_id, expires_at FROM auth_processing_locks WHERE auth_request_id = $1
	`, authRequestID).Scan(&lock.CurrentHolder, &lock.CurrentExpiry)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read lock holder: %w", err)
	}

	m.metrics.RecordLockAcquisition("contended")
	return lock, nil
}

// Renew extends the lock, but only while workerID still holds it and it has
// not expired. Returns false when the lock was lost.
func (m *Manager) Renew(ctx context.Context, authRequestID uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE auth_processing_locks
		SET expires_at = NOW() + $3 * INTERVAL '1 second'
		WHERE auth_request_id = $1 AND worker_id = $2 AND expires_at > NOW()
	`, authRequestID, workerID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lock if workerID still holds it. Releasing a lock that
// expired and was taken over is a no-op, never an error.
func (m *Manager) Release(ctx context.Context, authRequestID uuid.UUID, workerID string) error {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM auth_processing_locks WHERE auth_request_id = $1 AND worker_id = $2
	`, authRequestID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		m.logger.Printf("⚠️ Stale release of %s by %s ignored", authRequestID, workerID)
	}
	return nil
}

// CleanupExpired deletes expired lock rows. Acquire reclaims them anyway;
// this keeps the table from accumulating rows for abandoned requests.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM auth_processing_locks WHERE expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired locks: %w", err)
	}
	return res.RowsAffected()
}

// RunCleanup loops CleanupExpired until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx)
			if err != nil {
				m.logger.Printf("❌ Lock cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				m.logger.Printf("🧹 Cleaned up %d expired locks", n)
			}
		}
	}
}
