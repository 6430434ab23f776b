package eventlog

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/pb"
)

// Recorder performs the atomic record operations of the worker and the void
// path: append one event and apply its projection in a single transaction.
// If either side fails, both roll back.
type Recorder struct {
	db     *sql.DB
	store  *Store
	notify *outbox.Outbox
	logger *log.Logger
}

func NewRecorder(db *sql.DB, store *Store) *Recorder {
	return &Recorder{
		db:     db,
		store:  store,
		logger: log.New(log.Writer(), "[EVENTLOG] ", log.LstdFlags),
	}
}

// WithNotifications adds an outbox destination for terminal events. Each
// terminal record then writes an AuthEventNotification row in the same
// transaction as its append; the relay publishes those to the events topic.
func (r *Recorder) WithNotifications(ob *outbox.Outbox) *Recorder {
	r.notify = ob
	return r
}

// Store exposes the underlying event store for reads.
func (r *Recorder) Store() *Store {
	return r.store
}

func (r *Recorder) writeNotification(ctx context.Context, tx *sql.Tx, id uuid.UUID, eventType string, eventData []byte, seq int) error {
	if r.notify == nil {
		return nil
	}
	note := &pb.AuthEventNotification{
		AuthRequestID:  id.String(),
		EventType:      eventType,
		SequenceNumber: int64(seq),
		EventData:      eventData,
		OccurredAt:     time.Now().Unix(),
	}
	return r.notify.Write(ctx, tx, id, outbox.MessageTypeAuthEventNotification, note.Marshal())
}

func (r *Recorder) wakeNotifications() {
	if r.notify != nil {
		r.notify.Wake()
	}
}

func (r *Recorder) record(ctx context.Context, id uuid.UUID, eventType string, eventData []byte, meta map[string]string,
	project func(tx *sql.Tx, seq int) error) (int, error) {

	var seq int
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		seq, err = r.store.AppendNext(ctx, tx, &Event{
			AggregateID: id,
			EventType:   eventType,
			EventData:   eventData,
			Metadata:    meta,
		})
		if err != nil {
			return err
		}
		return project(tx, seq)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AttemptStarted records AuthAttemptStarted and moves the state to PROCESSING.
func (r *Recorder) AttemptStarted(ctx context.Context, id uuid.UUID, eventData []byte, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthAttemptStarted, eventData, meta, func(tx *sql.Tx, seq int) error {
		return r.store.markProcessing(ctx, tx, id, seq)
	})
	if err != nil {
		return 0, err
	}
	r.logger.Printf("📝 Recorded AuthAttemptStarted for %s (seq %d)", id, seq)
	return seq, nil
}

// ResponseAuthorized records the AUTHORIZED response and its result fields.
func (r *Recorder) ResponseAuthorized(ctx context.Context, id uuid.UUID, eventData []byte, p AuthorizedProjection, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthResponseReceived, eventData, meta, func(tx *sql.Tx, seq int) error {
		if err := r.store.markAuthorized(ctx, tx, id, seq, p); err != nil {
			return err
		}
		return r.writeNotification(ctx, tx, id, TypeAuthResponseReceived, eventData, seq)
	})
	if err != nil {
		return 0, err
	}
	r.wakeNotifications()
	r.logger.Printf("✅ Recorded AUTHORIZED response for %s via %s (seq %d)", id, p.ProcessorName, seq)
	return seq, nil
}

// ResponseDenied records a DENIED response. A denial is a business outcome,
// not an error; it is never retried.
func (r *Recorder) ResponseDenied(ctx context.Context, id uuid.UUID, eventData []byte, p DeniedProjection, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthResponseReceived, eventData, meta, func(tx *sql.Tx, seq int) error {
		if err := r.store.markDenied(ctx, tx, id, seq, p); err != nil {
			return err
		}
		return r.writeNotification(ctx, tx, id, TypeAuthResponseReceived, eventData, seq)
	})
	if err != nil {
		return 0, err
	}
	r.wakeNotifications()
	r.logger.Printf("🚫 Recorded DENIED response for %s (%s, seq %d)", id, p.DenialCode, seq)
	return seq, nil
}

// AttemptFailedTerminal records a non-retryable failure and moves the state
// to FAILED.
func (r *Recorder) AttemptFailedTerminal(ctx context.Context, id uuid.UUID, eventData []byte, errorCode, errorMessage string, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthAttemptFailed, eventData, meta, func(tx *sql.Tx, seq int) error {
		if err := r.store.markFailed(ctx, tx, id, seq, errorCode, errorMessage); err != nil {
			return err
		}
		return r.writeNotification(ctx, tx, id, TypeAuthAttemptFailed, eventData, seq)
	})
	if err != nil {
		return 0, err
	}
	r.wakeNotifications()
	r.logger.Printf("❌ Recorded terminal failure for %s (%s, seq %d)", id, errorCode, seq)
	return seq, nil
}

// AttemptFailedRetryable records a retryable failure; the status stays
// PROCESSING and the queue redelivery drives the next attempt.
func (r *Recorder) AttemptFailedRetryable(ctx context.Context, id uuid.UUID, eventData []byte, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthAttemptFailed, eventData, meta, func(tx *sql.Tx, seq int) error {
		return r.store.markRetry(ctx, tx, id, seq)
	})
	if err != nil {
		return 0, err
	}
	r.logger.Printf("⚠️ Recorded retryable failure for %s (seq %d)", id, seq)
	return seq, nil
}

// Expired records AuthRequestExpired, used when a void arrives before
// processing starts.
func (r *Recorder) Expired(ctx context.Context, id uuid.UUID, eventData []byte, meta map[string]string) (int, error) {
	seq, err := r.record(ctx, id, TypeAuthRequestExpired, eventData, meta, func(tx *sql.Tx, seq int) error {
		if err := r.store.markExpired(ctx, tx, id, seq); err != nil {
			return err
		}
		return r.writeNotification(ctx, tx, id, TypeAuthRequestExpired, eventData, seq)
	})
	if err != nil {
		return 0, err
	}
	r.wakeNotifications()
	r.logger.Printf("⏱️ Recorded AuthRequestExpired for %s (seq %d)", id, seq)
	return seq, nil
}

// VoidRequested records AuthVoidRequested. The projection resolves the
// status: VOIDED when already AUTHORIZED, otherwise a pending flag the
// worker honors.
func (r *Recorder) VoidRequested(ctx context.Context, id uuid.UUID, eventData []byte, meta map[string]string) (int, error) {
	var seq int
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		seq, err = r.store.RecordVoidRequested(ctx, tx, id, eventData, meta)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Printf("🛑 Recorded AuthVoidRequested for %s (seq %d)", id, seq)
	return seq, nil
}
