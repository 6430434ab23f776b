// Package processor adapts concrete payment processors behind one capability
// surface: authorize and void. A processor returns a decision (authorized or
// denied) or fails with a classified error; a denial is a decision, never an
// error, and is never retried.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Classified error codes. Retryability is carried on the error itself; the
// code says why.
const (
	ErrCodeTimeout        = "PROCESSOR_TIMEOUT"
	ErrCodeRateLimited    = "PROCESSOR_RATE_LIMITED"
	ErrCodeUnavailable    = "PROCESSOR_UNAVAILABLE"
	ErrCodeInvalidRequest = "PROCESSOR_INVALID_REQUEST"
	ErrCodeConfigInvalid  = "PROCESSOR_CONFIG_INVALID"
)

// Error is a classified processor failure: no decision was reached.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps a classified processor error.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a classified retryable failure.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Retryable
	}
	return false
}

// Card is decrypted payment data, held in memory only for the duration of
// the processor call.
type Card struct {
	Number         string
	ExpMonth       int
	ExpYear        int
	CVC            string
	CardholderName string
}

// Last4 returns the card's last four digits.
func (c Card) Last4() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// AuthRequest is one authorization attempt.
type AuthRequest struct {
	AuthRequestID       uuid.UUID
	RestaurantID        uuid.UUID
	AmountCents         int64
	Currency            string
	Card                Card
	IdempotencyKey      string
	StatementDescriptor string
	Metadata            map[string]string
}

// AuthResult is a processor decision.
type AuthResult struct {
	Authorized            bool
	ProcessorName         string
	ProcessorAuthID       string
	AuthorizationCode     string
	AuthorizedAmountCents int64
	Currency              string
	AuthorizedAt          time.Time
	DenialCode            string
	DenialReason          string
	Metadata              map[string]string
}

// VoidRequest cancels a prior authorization.
type VoidRequest struct {
	ProcessorAuthID string
	Reason          string
}

// VoidResult reports a completed void.
type VoidResult struct {
	Voided   bool
	VoidedAt time.Time
	Metadata map[string]string
}

// Processor is the capability surface the worker talks to.
type Processor interface {
	Name() string
	Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error)
	Void(ctx context.Context, req *VoidRequest) (*VoidResult, error)
}
