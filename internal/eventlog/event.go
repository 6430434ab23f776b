// Package eventlog is the system of record for authorization requests: an
// append-only event store plus the auth_request_state read model, updated in
// the same transaction as each append.
package eventlog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Aggregate and event type names as stored in payment_events.
const (
	AggregateAuthRequest = "auth_request"

	TypeAuthRequestCreated   = "AuthRequestCreated"
	TypeAuthAttemptStarted   = "AuthAttemptStarted"
	TypeAuthResponseReceived = "AuthResponseReceived"
	TypeAuthAttemptFailed    = "AuthAttemptFailed"
	TypeAuthVoidRequested    = "AuthVoidRequested"
	TypeAuthRequestExpired   = "AuthRequestExpired"
)

var (
	// ErrSequenceConflict means another writer appended the same sequence
	// number first. The caller re-reads state and decides whether to retry.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrStateNotFound means no read-model row exists for the aggregate.
	ErrStateNotFound = errors.New("auth request state not found")
)

// Event is one row of the payment_events table. EventData holds the encoded
// payload for EventType; Metadata is operational context (worker id,
// idempotency key) and never carries card data.
type Event struct {
	ID             int64
	EventID        uuid.UUID
	AggregateID    uuid.UUID
	AggregateType  string
	EventType      string
	EventData      []byte
	Metadata       map[string]string
	SequenceNumber int
	CreatedAt      time.Time
}
