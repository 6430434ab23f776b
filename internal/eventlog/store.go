package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
)

// Store reads and appends payment_events rows. Appends take the caller's
// transaction so the event, the read-model update, and any outbox row commit
// or roll back together.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NextSequence returns the next sequence number for an aggregate, computed
// inside tx so it is consistent with the append that follows.
func (s *Store) NextSequence(ctx context.Context, tx *sql.Tx, aggregateID uuid.UUID) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1
		FROM payment_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next sequence: %w", err)
	}
	return next, nil
}

// Append inserts one event at e.SequenceNumber. The UNIQUE constraint on
// (aggregate_id, sequence_number) is the compare-and-set: if another writer
// claimed the slot first, Append returns ErrSequenceConflict and the
// transaction must be rolled back.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, e *Event) error {
	if e.SequenceNumber < 1 {
		return fmt.Errorf("invalid sequence number %d", e.SequenceNumber)
	}
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.AggregateType == "" {
		e.AggregateType = AggregateAuthRequest
	}

	metadataJSON, err := json.Marshal(metadataOrEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_events (
			event_id, aggregate_id, aggregate_type, event_type,
			event_data, sequence_number, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.EventID, e.AggregateID, e.AggregateType, e.EventType, e.EventData, e.SequenceNumber, metadataJSON)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("aggregate %s sequence %d: %w", e.AggregateID, e.SequenceNumber, ErrSequenceConflict)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// AppendNext computes the next sequence inside tx and appends there.
func (s *Store) AppendNext(ctx context.Context, tx *sql.Tx, e *Event) (int, error) {
	seq, err := s.NextSequence(ctx, tx, e.AggregateID)
	if err != nil {
		return 0, err
	}
	e.SequenceNumber = seq
	if err := s.Append(ctx, tx, e); err != nil {
		return 0, err
	}
	return seq, nil
}

// RecordVoidRequested appends AuthVoidRequested and applies its projection
// inside the caller's transaction. The ingress uses this to couple the
// append with its outbox and idempotency writes.
func (s *Store) RecordVoidRequested(ctx context.Context, tx *sql.Tx, id uuid.UUID, eventData []byte, meta map[string]string) (int, error) {
	seq, err := s.AppendNext(ctx, tx, &Event{
		AggregateID: id,
		EventType:   TypeAuthVoidRequested,
		EventData:   eventData,
		Metadata:    meta,
	})
	if err != nil {
		return 0, err
	}
	if err := s.markVoidRequested(ctx, tx, id, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Load returns an aggregate's full history in sequence order.
func (s *Store) Load(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type,
		       event_data, sequence_number, metadata, created_at
		FROM payment_events
		WHERE aggregate_id = $1
		ORDER BY sequence_number
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadataJSON []byte
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType,
			&e.EventData, &e.SequenceNumber, &metadataJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// HasVoidBeforeResponse reports whether an AuthVoidRequested event exists for
// the aggregate with no AuthResponseReceived yet. The worker's state check
// uses this to enforce the void race rule before any processor call.
func (s *Store) HasVoidBeforeResponse(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	var voided bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_events
			WHERE aggregate_id = $1 AND event_type = $2
		) AND NOT EXISTS (
			SELECT 1 FROM payment_events
			WHERE aggregate_id = $1 AND event_type = $3
		)
	`, aggregateID, TypeAuthVoidRequested, TypeAuthResponseReceived).Scan(&voided)
	if err != nil {
		return false, fmt.Errorf("failed to check for void event: %w", err)
	}
	return voided, nil
}

// HasEvent reports whether the aggregate already has an event of the given
// type. Used for void idempotency.
func (s *Store) HasEvent(ctx context.Context, aggregateID uuid.UUID, eventType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_events
			WHERE aggregate_id = $1 AND event_type = $2
		)
	`, aggregateID, eventType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for event: %w", err)
	}
	return exists, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
