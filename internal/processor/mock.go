package processor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/restaurants"
)

const mockDefaultLatency = 50 * time.Millisecond

// mockOutcome is one row of the test PAN table.
type mockOutcome struct {
	authorized   bool
	authCode     string
	denialCode   string
	denialReason string

	// transient errors returned before the outcome applies; -1 means the
	// error repeats forever
	transientFailures int
	transientCode     string
}

// Well-known test PANs and their fixed outcomes.
var mockPANTable = map[string]mockOutcome{
	"4242424242424242": {authorized: true, authCode: "123456"},
	"5555555555554444": {authorized: true, authCode: "789012"},
	"378282246310005":  {authorized: true, authCode: "345678"},

	"4000000000000002": {denialCode: "generic_decline", denialReason: "Your card was declined."},
	"4000000000009995": {denialCode: "insufficient_funds", denialReason: "Your card has insufficient funds."},
	"4000000000000069": {denialCode: "expired_card", denialReason: "Your card has expired."},
	"4000000000000127": {denialCode: "incorrect_cvc", denialReason: "Your card's security code is incorrect."},
	"4000000000000341": {denialCode: "lost_card", denialReason: "Your card was reported lost."},
	"4000000000000226": {denialCode: "fraudulent", denialReason: "Your card was declined as fraudulent."},
	"4000002500003155": {denialCode: "requires_action", denialReason: "Authentication required."},

	// Fails once with a timeout, then authorizes on the retry.
	"4000000000000119": {authorized: true, authCode: "654321", transientFailures: 1, transientCode: ErrCodeTimeout},

	// Rate limited on every attempt; exercises retry exhaustion.
	"4000000000009987": {transientFailures: -1, transientCode: ErrCodeRateLimited},
}

// Mock is the deterministic processor used in tests and local development.
// Outcomes are keyed by PAN; transient-failure PANs count attempts per auth
// request id so redeliveries see the scripted sequence.
type Mock struct {
	latency time.Duration

	mu       sync.Mutex
	attempts map[uuid.UUID]int
	voided   map[string]bool
}

func NewMock(cfg *restaurants.MockConfig) *Mock {
	latency := mockDefaultLatency
	if cfg != nil && cfg.LatencyMs > 0 {
		latency = time.Duration(cfg.LatencyMs) * time.Millisecond
	}
	return &Mock{
		latency:  latency,
		attempts: make(map[uuid.UUID]int),
		voided:   make(map[string]bool),
	}
}

func (m *Mock) Name() string { return restaurants.ProcessorMock }

func (m *Mock) Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	outcome, ok := mockPANTable[req.Card.Number]
	if !ok {
		outcome = mockOutcome{authorized: true, authCode: "000000"}
	}

	if outcome.transientFailures != 0 {
		m.mu.Lock()
		m.attempts[req.AuthRequestID]++
		attempt := m.attempts[req.AuthRequestID]
		m.mu.Unlock()

		if outcome.transientFailures < 0 || attempt <= outcome.transientFailures {
			return nil, m.transientError(outcome.transientCode, attempt)
		}
	}

	if !outcome.authorized {
		return &AuthResult{
			Authorized:    false,
			ProcessorName: m.Name(),
			DenialCode:    outcome.denialCode,
			DenialReason:  outcome.denialReason,
			Metadata:      map[string]string{"decline_type": outcome.denialCode},
		}, nil
	}

	return &AuthResult{
		Authorized:            true,
		ProcessorName:         m.Name(),
		ProcessorAuthID:       "mock_pi_" + randomHex(12),
		AuthorizationCode:     outcome.authCode,
		AuthorizedAmountCents: req.AmountCents,
		Currency:              req.Currency,
		AuthorizedAt:          time.Now().UTC(),
		Metadata: map[string]string{
			"status":    "requires_capture",
			"charge_id": "mock_ch_" + randomHex(12),
		},
	}, nil
}

func (m *Mock) Void(ctx context.Context, req *VoidRequest) (*VoidResult, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	if !strings.HasPrefix(req.ProcessorAuthID, "mock_pi_") {
		return nil, &Error{
			Code:    ErrCodeInvalidRequest,
			Message: fmt.Sprintf("unknown authorization %q", req.ProcessorAuthID),
		}
	}

	m.mu.Lock()
	m.voided[req.ProcessorAuthID] = true
	m.mu.Unlock()

	return &VoidResult{
		Voided:   true,
		VoidedAt: time.Now().UTC(),
		Metadata: map[string]string{"status": "canceled"},
	}, nil
}

// Voided reports whether a void was recorded for the given authorization.
func (m *Mock) Voided(processorAuthID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voided[processorAuthID]
}

func (m *Mock) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &Error{Code: ErrCodeTimeout, Message: ctx.Err().Error(), Retryable: true}
	case <-time.After(m.latency):
		return nil
	}
}

func (m *Mock) transientError(code string, attempt int) *Error {
	switch code {
	case ErrCodeRateLimited:
		return &Error{
			Code:       ErrCodeRateLimited,
			Message:    fmt.Sprintf("rate limited (attempt %d)", attempt),
			Retryable:  true,
			HTTPStatus: 429,
		}
	default:
		return &Error{
			Code:      ErrCodeTimeout,
			Message:   fmt.Sprintf("simulated timeout (attempt %d)", attempt),
			Retryable: true,
		}
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
