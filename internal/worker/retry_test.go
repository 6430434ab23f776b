package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/tokenstore"
)

func TestRetryDelayGrowsExponentially(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		base := retryBaseDelay << (attempt - 1)
		if base > retryMaxDelay {
			base = retryMaxDelay
		}
		for i := 0; i < 20; i++ {
			d := retryDelay(attempt)
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base+base/4, "attempt %d", attempt)
		}
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	d := retryDelay(50)
	assert.GreaterOrEqual(t, d, retryMaxDelay)
	assert.LessOrEqual(t, d, retryMaxDelay+retryMaxDelay/4)
}

func TestRetryStateDue(t *testing.T) {
	assert.True(t, retryState{}.due(), "no prior failures")
	assert.True(t, retryState{count: 2, nextRetryAt: time.Now().Add(-time.Second)}.due(), "deadline passed")
	assert.False(t, retryState{count: 2, nextRetryAt: time.Now().Add(time.Hour)}.due(), "deadline in the future")
}

func TestResultAck(t *testing.T) {
	acked := map[Result]bool{
		ResultSuccess:          true,
		ResultSkippedVoid:      true,
		ResultTerminalFailure:  true,
		ResultSkippedLock:      false,
		ResultRetryableFailure: false,
	}
	for res, want := range acked {
		assert.Equal(t, want, res.Ack(), "result %s", res)
	}
}

func TestWebhookEventForStatus(t *testing.T) {
	cases := map[eventlog.Status]string{
		eventlog.StatusAuthorized: EventAuthorized,
		eventlog.StatusDenied:     EventDenied,
		eventlog.StatusFailed:     EventFailed,
		eventlog.StatusExpired:    EventExpired,
		eventlog.StatusVoided:     EventVoided,
		eventlog.StatusPending:    "",
		eventlog.StatusProcessing: "",
	}
	for status, want := range cases {
		assert.Equal(t, want, WebhookEvent(status), "status %s", status)
	}
}

func TestTokenErrorCode(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", tokenErrorCode(tokenstore.ClientErrNotFound))
	assert.Equal(t, "EXPIRED", tokenErrorCode(tokenstore.ClientErrExpired))
	assert.Equal(t, "FORBIDDEN", tokenErrorCode(tokenstore.ClientErrForbidden))
	assert.Equal(t, tokenstore.ClientErrRejected, tokenErrorCode(tokenstore.ClientErrRejected))
}

func TestConfigVersionNumber(t *testing.T) {
	assert.Equal(t, int32(3), configVersionNumber("v3"))
	assert.Equal(t, int32(12), configVersionNumber("12"))
	assert.Equal(t, int32(0), configVersionNumber(""))
	assert.Equal(t, int32(0), configVersionNumber("release-2"))
}
