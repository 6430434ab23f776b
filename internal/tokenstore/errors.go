package tokenstore

import (
	"errors"
	"fmt"
)

// Service error codes. Handlers map them onto HTTP statuses; the worker
// client maps the statuses back for retry classification.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnknownKey          = "UNKNOWN_KEY"
	ErrCodeDecryptionFailed    = "DECRYPTION_FAILED"
	ErrCodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeExpired             = "EXPIRED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Error is a coded service failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError unwraps err into *Error when possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func errf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
