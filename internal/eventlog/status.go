package eventlog

// Status is the read-model status of an authorization request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusDenied     Status = "DENIED"
	StatusFailed     Status = "FAILED"
	StatusVoided     Status = "VOIDED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether the authorization flow is finished. AUTHORIZED is
// terminal for the worker even though a later void may move it to VOIDED.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthorized, StatusDenied, StatusFailed, StatusVoided, StatusExpired:
		return true
	}
	return false
}
