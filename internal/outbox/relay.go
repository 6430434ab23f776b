package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/tably/payments/internal/monitoring"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// Publisher is the queue surface the relay needs. The orderingKey is empty
// for unordered topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, orderingKey, dedupKey string) error
}

// Topics names the destinations the relay routes message types to.
type Topics struct {
	AuthRequests string
	VoidRequests string
	Events       string
}

// Relay drains the outbox. Multiple relays may run against the same table;
// FOR UPDATE SKIP LOCKED keeps them from claiming the same rows.
type Relay struct {
	db        *sql.DB
	outbox    *Outbox
	publisher Publisher
	topics    Topics
	interval  time.Duration
	batchSize int
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

func NewRelay(db *sql.DB, ob *Outbox, publisher Publisher, topics Topics, interval time.Duration, batchSize int, metrics *monitoring.Metrics) *Relay {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		db:        db,
		outbox:    ob,
		publisher: publisher,
		topics:    topics,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}
}

// Run loops until ctx is done, scanning on every tick and on every wakeup.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Printf("📤 Outbox relay started (interval %s, batch %d)", r.interval, r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Println("Outbox relay stopped")
			return
		case <-ticker.C:
		case <-r.outbox.wake:
		}

		for {
			n, err := r.DrainOnce(ctx)
			if err != nil {
				r.logger.Printf("❌ Outbox scan failed: %v", err)
				break
			}
			if n < r.batchSize {
				break
			}
		}
	}
}

// DrainOnce claims one batch of due rows, publishes each, and marks the
// outcome, all under the claiming transaction's row locks. A crash before
// commit republishes the batch; the dedup key makes that harmless.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin relay transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, message_type, message_group, payload, attempt_count
		FROM outbox
		WHERE processed_at IS NULL AND next_attempt_at <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox rows: %w", err)
	}

	var batch []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.AggregateID, &row.MessageType, &row.MessageGroup, &row.Payload, &row.AttemptCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, tx.Commit()
	}

	for i := range batch {
		row := &batch[i]
		topic, ordered := r.route(row.MessageType)

		orderingKey := ""
		if ordered {
			orderingKey = row.MessageGroup
		}

		if err := r.publisher.Publish(ctx, topic, row.Payload, orderingKey, row.DedupKey()); err != nil {
			attempt := row.AttemptCount + 1
			delay := backoffDelay(attempt)
			r.logger.Printf("⚠️ Publish failed for outbox row %d (%s, attempt %d, retry in %s): %v",
				row.ID, row.MessageType, attempt, delay.Round(time.Millisecond), err)
			r.metrics.RecordOutboxPublishFailure()

			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox
				SET attempt_count = $2, next_attempt_at = NOW() + $3 * INTERVAL '1 millisecond'
				WHERE id = $1
			`, row.ID, attempt, delay.Milliseconds()); err != nil {
				return 0, fmt.Errorf("failed to record outbox retry: %w", err)
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET processed_at = NOW() WHERE id = $1
		`, row.ID); err != nil {
			return 0, fmt.Errorf("failed to mark outbox row processed: %w", err)
		}
		r.metrics.RecordOutboxPublished(row.MessageType)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit relay transaction: %w", err)
	}
	return len(batch), nil
}

// route maps a message type to its topic and whether publishes carry an
// ordering key. Unknown types go to the events topic so a schema drift never
// wedges the work queues.
func (r *Relay) route(messageType string) (topic string, ordered bool) {
	switch messageType {
	case MessageTypeAuthRequestQueued:
		return r.topics.AuthRequests, true
	case MessageTypeVoidRequestQueued:
		return r.topics.VoidRequests, false
	default:
		return r.topics.Events, true
	}
}

// backoffDelay is exponential from 1s doubling per attempt, capped at 60s,
// with +/-50% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}
