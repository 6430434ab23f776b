package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthRequestState is one row of the auth_request_state read model. It is
// written only by the projections in this package.
type AuthRequestState struct {
	AuthRequestID         uuid.UUID
	RestaurantID          uuid.UUID
	PaymentToken          string
	Status                Status
	AmountCents           int64
	Currency              string
	ProcessorAuthID       string
	ProcessorName         string
	AuthorizedAmountCents int64
	AuthorizationCode     string
	DenialCode            string
	DenialReason          string
	ErrorCode             string
	ErrorMessage          string
	VoidRequested         bool
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
	LastEventSequence     int
}

// CreateState inserts the initial PENDING row. Must run in the same
// transaction as the AuthRequestCreated append.
func (s *Store) CreateState(ctx context.Context, tx *sql.Tx, st *AuthRequestState) error {
	metadataJSON, err := json.Marshal(metadataOrEmpty(st.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode state metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_request_state (
			auth_request_id, restaurant_id, payment_token, status,
			amount_cents, currency, created_at, updated_at, metadata,
			last_event_sequence
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), $7, 1)
	`, st.AuthRequestID, st.RestaurantID, st.PaymentToken, StatusPending,
		st.AmountCents, st.Currency, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert auth request state: %w", err)
	}
	return nil
}

// GetState loads the read-model row, or ErrStateNotFound.
func (s *Store) GetState(ctx context.Context, authRequestID uuid.UUID) (*AuthRequestState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT auth_request_id, restaurant_id, payment_token, status,
		       amount_cents, currency,
		       processor_auth_id, processor_name, authorized_amount_cents, authorization_code,
		       denial_code, denial_reason, error_code, error_message,
		       void_requested, metadata,
		       created_at, updated_at, completed_at, last_event_sequence
		FROM auth_request_state
		WHERE auth_request_id = $1
	`, authRequestID)

	var (
		st            AuthRequestState
		status        string
		procAuthID    sql.NullString
		procName      sql.NullString
		authAmount    sql.NullInt64
		authCode      sql.NullString
		denialCode    sql.NullString
		denialReason  sql.NullString
		errorCode     sql.NullString
		errorMessage  sql.NullString
		metadataJSON  []byte
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&st.AuthRequestID, &st.RestaurantID, &st.PaymentToken, &status,
		&st.AmountCents, &st.Currency,
		&procAuthID, &procName, &authAmount, &authCode,
		&denialCode, &denialReason, &errorCode, &errorMessage,
		&st.VoidRequested, &metadataJSON,
		&st.CreatedAt, &st.UpdatedAt, &completedAt, &st.LastEventSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth request state: %w", err)
	}

	st.Status = Status(status)
	st.ProcessorAuthID = procAuthID.String
	st.ProcessorName = procName.String
	st.AuthorizedAmountCents = authAmount.Int64
	st.AuthorizationCode = authCode.String
	st.DenialCode = denialCode.String
	st.DenialReason = denialReason.String
	st.ErrorCode = errorCode.String
	st.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		st.CompletedAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &st.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode state metadata: %w", err)
		}
	}
	return &st, nil
}
