// Package outbox implements the transactional outbox: rows written in the
// same transaction as their triggering events, drained to the queues by the
// relay. Publish-after-commit is what keeps "committed" and "queued" from
// ever diverging.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types routed by the relay.
const (
	MessageTypeAuthRequestQueued = "auth_request_queued"
	MessageTypeVoidRequestQueued = "void_request_queued"

	// Informational notifications; routed to the events topic, never to a
	// work queue.
	MessageTypeAuthEventNotification = "auth_event_notification"
)

// Row is one outbox table row. DedupKey derives from ID so queue-side
// deduplication survives relay crashes between publish and mark.
type Row struct {
	ID            int64
	AggregateID   uuid.UUID
	MessageType   string
	MessageGroup  string
	Payload       []byte
	AttemptCount  int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// DedupKey is the queue deduplication key for this row.
func (r *Row) DedupKey() string {
	return fmt.Sprintf("outbox-%d", r.ID)
}

// Outbox writes rows and wakes an in-process relay after commits.
type Outbox struct {
	db   *sql.DB
	wake chan struct{}
}

func New(db *sql.DB) *Outbox {
	return &Outbox{
		db:   db,
		wake: make(chan struct{}, 1),
	}
}

// Write inserts a row inside the caller's transaction. MessageGroup defaults
// to the aggregate id, which is what gives one aggregate's messages FIFO
// ordering on the queue.
func (o *Outbox) Write(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID, messageType string, payload []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (aggregate_id, message_type, message_group, payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, aggregateID, messageType, aggregateID.String(), payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row: %w", err)
	}
	return nil
}

// Wake nudges the relay to scan immediately instead of waiting for the next
// tick. Callers invoke it after the writing transaction commits.
func (o *Outbox) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pending counts unprocessed rows. Used by health reporting and tests.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox rows: %w", err)
	}
	return n, nil
}
