package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Projections update auth_request_state for one recorded event. Each runs in
// the same transaction as its append; the pair commits or rolls back as one.

func (s *Store) markProcessing(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET status = 'PROCESSING',
		    updated_at = NOW(),
		    last_event_sequence = $2
		WHERE auth_request_id = $1
	`, id, seq)
}

// AuthorizedProjection carries the processor result fields written to the
// read model alongside an AUTHORIZED response.
type AuthorizedProjection struct {
	ProcessorAuthID       string
	ProcessorName         string
	AuthorizedAmountCents int64
	AuthorizationCode     string
}

// A void requested mid-processing wins over the authorization outcome: the
// stored status becomes VOIDED, matching what a replay of the event sequence
// produces.
func (s *Store) markAuthorized(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int, p AuthorizedProjection) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET status = CASE WHEN void_requested THEN 'VOIDED' ELSE 'AUTHORIZED' END,
		    processor_auth_id = $2,
		    processor_name = $3,
		    authorized_amount_cents = $4,
		    authorization_code = $5,
		    completed_at = NOW(),
		    updated_at = NOW(),
		    last_event_sequence = $6
		WHERE auth_request_id = $1
	`, id, p.ProcessorAuthID, p.ProcessorName, p.AuthorizedAmountCents, p.AuthorizationCode, seq)
}

// DeniedProjection carries the decline fields for a DENIED response.
type DeniedProjection struct {
	ProcessorName string
	DenialCode    string
	DenialReason  string
}

func (s *Store) markDenied(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int, p DeniedProjection) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET status = 'DENIED',
		    processor_name = $2,
		    denial_code = $3,
		    denial_reason = $4,
		    completed_at = NOW(),
		    updated_at = NOW(),
		    last_event_sequence = $5
		WHERE auth_request_id = $1
	`, id, p.ProcessorName, p.DenialCode, p.DenialReason, seq)
}

func (s *Store) markFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int, errorCode, errorMessage string) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET status = 'FAILED',
		    error_code = $2,
		    error_message = $3,
		    completed_at = NOW(),
		    updated_at = NOW(),
		    last_event_sequence = $4
		WHERE auth_request_id = $1
	`, id, errorCode, errorMessage, seq)
}

// Retryable failures keep the status at PROCESSING; only the bookkeeping
// columns move.
func (s *Store) markRetry(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET updated_at = NOW(),
		    last_event_sequence = $2
		WHERE auth_request_id = $1
	`, id, seq)
}

func (s *Store) markExpired(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET status = 'EXPIRED',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    last_event_sequence = $2
		WHERE auth_request_id = $1
	`, id, seq)
}

// A void against an AUTHORIZED request moves it to VOIDED immediately. In
// any earlier state only the flag is set; the worker or the authorized
// projection resolves it.
func (s *Store) markVoidRequested(ctx context.Context, tx *sql.Tx, id uuid.UUID, seq int) error {
	return s.exec(ctx, tx, `
		UPDATE auth_request_state
		SET void_requested = TRUE,
		    status = CASE WHEN status = 'AUTHORIZED' THEN 'VOIDED' ELSE status END,
		    updated_at = NOW(),
		    last_event_sequence = $2
		WHERE auth_request_id = $1
	`, id, seq)
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update read model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrStateNotFound
	}
	return nil
}
