package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsAuthorizationOutcomes(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordAuthorization("AUTHORIZED", 120*time.Millisecond)
	tracker.RecordAuthorization("AUTHORIZED", 80*time.Millisecond)
	tracker.RecordAuthorization("DENIED", 95*time.Millisecond)
	tracker.RecordAuthorization("FAILED", 300*time.Millisecond)
	tracker.RecordAuthorization("VOIDED", 50*time.Millisecond)

	stats := tracker.GetLiveStats()
	assert.Equal(t, int64(5), stats.TotalAuthorizations)
	assert.Equal(t, int64(2), stats.AuthorizedCount)
	assert.Equal(t, int64(1), stats.DeniedCount)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Equal(t, int64(1), stats.VoidedCount)
	assert.Greater(t, stats.AverageDecisionTime, 0.0)

	latency := tracker.GetLatencyMetrics("authorization")
	require.NotNil(t, latency)
	assert.Equal(t, int64(5), latency.Count)
	assert.Equal(t, 50.0, latency.Min)
	assert.Equal(t, 300.0, latency.Max)

	throughput := tracker.GetThroughputMetrics("authorization")
	require.NotNil(t, throughput)
	assert.Equal(t, int64(5), throughput.Count)
}

func TestTrackerAttemptErrorRate(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordAttempt("success", 40*time.Millisecond)
	tracker.RecordAttempt("retryable_failure", 60*time.Millisecond)
	tracker.RecordAttempt("terminal_failure", 55*time.Millisecond)
	tracker.RecordAttempt("skipped_lock_not_acquired", 2*time.Millisecond)

	stats := tracker.GetLiveStats()
	assert.Equal(t, int64(4), stats.TotalAttempts)
	assert.Equal(t, int64(2), stats.FailedAttempts)
	assert.Equal(t, int64(1), stats.RetriesScheduled)
	assert.Equal(t, int64(1), stats.LockContention)
	assert.InDelta(t, 0.5, stats.ErrorRate, 0.001)
}

func TestTrackerDeduplicatesErrors(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordError("PROCESSOR_TIMEOUT", "stripe timed out", "authorize", "high")
	tracker.RecordError("PROCESSOR_TIMEOUT", "stripe timed out", "authorize", "high")
	tracker.RecordError("CONFIG_NOT_FOUND", "no active config", "authorize", "critical")

	errs := tracker.GetRecentErrors(10)
	require.Len(t, errs, 2)

	var timeoutRecord *ErrorRecord
	for _, e := range errs {
		if e.ErrorType == "PROCESSOR_TIMEOUT" {
			timeoutRecord = e
		}
	}
	require.NotNil(t, timeoutRecord)
	assert.Equal(t, int64(2), timeoutRecord.Count)
}

func TestTrackerRecentErrorsLimit(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordError("A", "first", "op", "low")
	tracker.RecordError("B", "second", "op", "low")
	tracker.RecordError("C", "third", "op", "low")

	errs := tracker.GetRecentErrors(2)
	assert.Len(t, errs, 2)
}

func TestAlertRuleTriggersOnceWithinCooldown(t *testing.T) {
	tracker := NewTracker()
	tracker.AddAlertRule(&AlertRule{
		RuleID:    "attempt-error-rate",
		Name:      "Attempt error rate too high",
		Condition: "error_rate > 0.5",
		Severity:  "high",
		Enabled:   true,
		Cooldown:  time.Hour,
	})

	// Two failures out of two attempts pushes error_rate to 1.0
	tracker.RecordAttempt("terminal_failure", 10*time.Millisecond)
	tracker.RecordAttempt("terminal_failure", 10*time.Millisecond)
	tracker.RecordAttempt("terminal_failure", 10*time.Millisecond)

	alerts := tracker.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "attempt-error-rate", alerts[0].RuleID)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlertRuleDisabledNeverTriggers(t *testing.T) {
	tracker := NewTracker()
	tracker.AddAlertRule(&AlertRule{
		RuleID:    "denials",
		Condition: "denial_rate > 0.1",
		Severity:  "medium",
		Enabled:   false,
		Cooldown:  time.Minute,
	})

	tracker.RecordAuthorization("DENIED", 10*time.Millisecond)

	assert.Empty(t, tracker.GetActiveAlerts())
}

func TestAlertConditionParsing(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordDecrypt(false, time.Millisecond)

	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	assert.True(t, tracker.evaluateConditionUnsafe("decrypt_denial_rate > 0.5"))
	assert.False(t, tracker.evaluateConditionUnsafe("decrypt_denial_rate < 0.5"))
	assert.False(t, tracker.evaluateConditionUnsafe("not a condition"))
	assert.False(t, tracker.evaluateConditionUnsafe("unknown_metric > 1"))
	assert.False(t, tracker.evaluateConditionUnsafe("error_rate >= 0.5"))
}

func TestSnapshotHistory(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordAuthorization("AUTHORIZED", 10*time.Millisecond)
	tracker.Snapshot()
	tracker.RecordAuthorization("AUTHORIZED", 10*time.Millisecond)
	tracker.Snapshot()

	history := tracker.GetHistory(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.Len(t, history, 2)

	// Snapshots are copies, not aliases of the live struct
	assert.Equal(t, int64(1), history[0].Stats.TotalAuthorizations)
	assert.Equal(t, int64(2), history[1].Stats.TotalAuthorizations)
}

func TestFastPathCounters(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordFastPath(true)
	tracker.RecordFastPath(true)
	tracker.RecordFastPath(false)

	stats := tracker.GetLiveStats()
	assert.Equal(t, int64(2), stats.FastPathCompletions)
	assert.Equal(t, int64(1), stats.QueuedResponses)
}
