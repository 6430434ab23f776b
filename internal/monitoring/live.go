package monitoring

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// LIVE OPS TRACKING
// ============================================================================

// Tracker keeps in-process counters, latency buckets, and recent errors for
// the operational stats endpoint. It complements the Prometheus metrics with
// a snapshot a dashboard can read back directly.
type Tracker struct {
	mu sync.RWMutex

	// Live counters
	stats *LiveStats

	// Performance tracking
	latencyHistogram  map[string]*LatencyBucket
	throughputCounter map[string]*ThroughputCounter

	// Error tracking
	errors map[string]*ErrorRecord

	// Historical data
	history []*StatsSnapshot

	// Alerts
	alerts     []*Alert
	alertRules []*AlertRule
}

// LiveStats contains real-time counters for the payments platform
type LiveStats struct {
	// Authorization outcomes
	TotalAuthorizations int64
	AuthorizedCount     int64
	DeniedCount         int64
	FailedCount         int64
	ExpiredCount        int64
	VoidedCount         int64
	AverageDecisionTime float64 // milliseconds

	// Ingress behavior
	FastPathCompletions int64
	QueuedResponses     int64

	// Worker behavior
	TotalAttempts    int64
	FailedAttempts   int64
	RetriesScheduled int64
	LockContention   int64

	// Token store
	TokensCreated   int64
	DecryptRequests int64
	DecryptDenied   int64

	ErrorRate float64

	LastUpdated time.Time
}

// LatencyBucket tracks latency distribution for one operation
type LatencyBucket struct {
	Operation string
	P50       float64
	P95       float64
	P99       float64
	Min       float64
	Max       float64
	Count     int64
	Sum       float64
}

// ThroughputCounter tracks operation throughput
type ThroughputCounter struct {
	Operation      string
	Count          int64
	LastMinute     int64
	RequestsPerSec float64
}

// ErrorRecord tracks a deduplicated error occurrence
type ErrorRecord struct {
	ErrorID   string
	ErrorType string
	Message   string
	Operation string
	Timestamp time.Time
	Count     int64
	LastSeen  time.Time
	Severity  string // "low", "medium", "high", "critical"
	Resolved  bool
}

// StatsSnapshot captures stats at a point in time
type StatsSnapshot struct {
	Timestamp time.Time
	Stats     LiveStats
}

// Alert represents a triggered alert
type Alert struct {
	AlertID     string
	RuleID      string
	Severity    string
	Title       string
	Message     string
	TriggeredAt time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}

// AlertRule defines the condition for an alert. Condition is a single
// comparison of the form "<metric> > <value>" or "<metric> < <value>" over
// the metrics error_rate, denial_rate, decrypt_denial_rate, and
// lock_contention.
type AlertRule struct {
	RuleID        string
	Name          string
	Condition     string
	Severity      string
	Enabled       bool
	Cooldown      time.Duration
	LastTriggered *time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		stats: &LiveStats{
			LastUpdated: time.Now(),
		},
		latencyHistogram:  make(map[string]*LatencyBucket),
		throughputCounter: make(map[string]*ThroughputCounter),
		errors:            make(map[string]*ErrorRecord),
		history:           make([]*StatsSnapshot, 0),
		alerts:            make([]*Alert, 0),
		alertRules:        make([]*AlertRule, 0),
	}
}

// ============================================================================
// RECORDING
// ============================================================================

// RecordAuthorization records a terminal authorization outcome
func (t *Tracker) RecordAuthorization(status string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalAuthorizations++
	switch status {
	case "AUTHORIZED":
		t.stats.AuthorizedCount++
	case "DENIED":
		t.stats.DeniedCount++
	case "FAILED":
		t.stats.FailedCount++
	case "EXPIRED":
		t.stats.ExpiredCount++
	case "VOIDED":
		t.stats.VoidedCount++
	}

	// Exponential moving average
	alpha := 0.1
	ms := float64(duration.Milliseconds())
	t.stats.AverageDecisionTime = alpha*ms + (1-alpha)*t.stats.AverageDecisionTime

	t.recordLatencyUnsafe("authorization", ms)
	t.recordThroughputUnsafe("authorization")
	t.checkAlertRulesUnsafe()

	t.stats.LastUpdated = time.Now()
}

// RecordFastPath records whether an ingress request completed within the
// synchronous wait window or fell back to a queued 202
func (t *Tracker) RecordFastPath(completed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if completed {
		t.stats.FastPathCompletions++
	} else {
		t.stats.QueuedResponses++
	}
	t.stats.LastUpdated = time.Now()
}

// RecordAttempt records one worker processing pass and its result
func (t *Tracker) RecordAttempt(result string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalAttempts++
	switch result {
	case "retryable_failure":
		t.stats.FailedAttempts++
		t.stats.RetriesScheduled++
	case "terminal_failure":
		t.stats.FailedAttempts++
	case "skipped_lock_not_acquired":
		t.stats.LockContention++
	}

	t.updateErrorRateUnsafe()
	t.recordLatencyUnsafe("attempt", float64(duration.Milliseconds()))
	t.recordThroughputUnsafe("attempt")
	t.checkAlertRulesUnsafe()

	t.stats.LastUpdated = time.Now()
}

// RecordTokenCreated records a stored payment token
func (t *Tracker) RecordTokenCreated() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TokensCreated++
	t.stats.LastUpdated = time.Now()
}

// RecordDecrypt records an internal decrypt request
func (t *Tracker) RecordDecrypt(allowed bool, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.DecryptRequests++
	if !allowed {
		t.stats.DecryptDenied++
	}

	t.recordLatencyUnsafe("decrypt", float64(duration.Milliseconds()))
	t.recordThroughputUnsafe("decrypt")
	t.checkAlertRulesUnsafe()

	t.stats.LastUpdated = time.Now()
}

// RecordError records an error occurrence, deduplicated by type and message
func (t *Tracker) RecordError(errorType, message, operation, severity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	errorKey := errorType + ":" + message

	if existing, ok := t.errors[errorKey]; ok {
		existing.Count++
		existing.LastSeen = time.Now()
	} else {
		t.errors[errorKey] = &ErrorRecord{
			ErrorID:   generateErrorID(),
			ErrorType: errorType,
			Message:   message,
			Operation: operation,
			Timestamp: time.Now(),
			Count:     1,
			LastSeen:  time.Now(),
			Severity:  severity,
		}
	}

	t.checkAlertRulesUnsafe()
	t.stats.LastUpdated = time.Now()
}

// ============================================================================
// RETRIEVAL
// ============================================================================

// GetLiveStats returns a copy of the current stats
func (t *Tracker) GetLiveStats() *LiveStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := *t.stats
	return &stats
}

// GetLatencyMetrics returns latency metrics for an operation
func (t *Tracker) GetLatencyMetrics(operation string) *LatencyBucket {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bucket, ok := t.latencyHistogram[operation]
	if !ok {
		return nil
	}

	bucketCopy := *bucket
	return &bucketCopy
}

// GetThroughputMetrics returns throughput metrics for an operation
func (t *Tracker) GetThroughputMetrics(operation string) *ThroughputCounter {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counter, ok := t.throughputCounter[operation]
	if !ok {
		return nil
	}

	counterCopy := *counter
	return &counterCopy
}

// GetRecentErrors returns unresolved errors, most recently seen first
func (t *Tracker) GetRecentErrors(limit int) []*ErrorRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	errs := make([]*ErrorRecord, 0, len(t.errors))
	for _, err := range t.errors {
		if !err.Resolved {
			errs = append(errs, err)
		}
	}

	sort.Slice(errs, func(i, j int) bool {
		return errs[i].LastSeen.After(errs[j].LastSeen)
	})

	if limit > 0 && limit < len(errs) {
		errs = errs[:limit]
	}

	return errs
}

// GetActiveAlerts returns unresolved alerts
func (t *Tracker) GetActiveAlerts() []*Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]*Alert, 0)
	for _, alert := range t.alerts {
		if !alert.Resolved {
			active = append(active, alert)
		}
	}

	return active
}

// GetHistory returns snapshots within a time range
func (t *Tracker) GetHistory(start, end time.Time) []*StatsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshots := make([]*StatsSnapshot, 0)
	for _, snapshot := range t.history {
		if snapshot.Timestamp.After(start) && snapshot.Timestamp.Before(end) {
			snapshots = append(snapshots, snapshot)
		}
	}

	return snapshots
}

// Snapshot captures current stats for historical tracking, keeping the last
// 24 hours
func (t *Tracker) Snapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, &StatsSnapshot{
		Timestamp: time.Now(),
		Stats:     *t.stats,
	})

	cutoff := time.Now().Add(-24 * time.Hour)
	filtered := make([]*StatsSnapshot, 0, len(t.history))
	for _, s := range t.history {
		if s.Timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	t.history = filtered
}

// ============================================================================
// ALERT MANAGEMENT
// ============================================================================

// AddAlertRule adds a new alert rule
func (t *Tracker) AddAlertRule(rule *AlertRule) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alertRules = append(t.alertRules, rule)
}

// checkAlertRulesUnsafe checks all alert rules (must be called with lock)
func (t *Tracker) checkAlertRulesUnsafe() {
	for _, rule := range t.alertRules {
		if !rule.Enabled {
			continue
		}

		if rule.LastTriggered != nil && time.Since(*rule.LastTriggered) < rule.Cooldown {
			continue
		}

		if t.evaluateConditionUnsafe(rule.Condition) {
			t.triggerAlertUnsafe(rule)
		}
	}
}

// evaluateConditionUnsafe evaluates a "<metric> <op> <value>" condition
func (t *Tracker) evaluateConditionUnsafe(condition string) bool {
	parts := strings.Fields(condition)
	if len(parts) != 3 {
		return false
	}

	value, ok := t.metricValueUnsafe(parts[0])
	if !ok {
		return false
	}

	threshold, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return false
	}

	switch parts[1] {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	default:
		return false
	}
}

func (t *Tracker) metricValueUnsafe(name string) (float64, bool) {
	switch name {
	case "error_rate":
		return t.stats.ErrorRate, true
	case "denial_rate":
		if t.stats.TotalAuthorizations == 0 {
			return 0, true
		}
		return float64(t.stats.DeniedCount) / float64(t.stats.TotalAuthorizations), true
	case "decrypt_denial_rate":
		if t.stats.DecryptRequests == 0 {
			return 0, true
		}
		return float64(t.stats.DecryptDenied) / float64(t.stats.DecryptRequests), true
	case "lock_contention":
		return float64(t.stats.LockContention), true
	default:
		return 0, false
	}
}

// triggerAlertUnsafe triggers an alert (must be called with lock)
func (t *Tracker) triggerAlertUnsafe(rule *AlertRule) {
	alert := &Alert{
		AlertID:     generateAlertID(),
		RuleID:      rule.RuleID,
		Severity:    rule.Severity,
		Title:       rule.Name,
		Message:     "Alert condition met: " + rule.Condition,
		TriggeredAt: time.Now(),
	}

	t.alerts = append(t.alerts, alert)

	now := time.Now()
	rule.LastTriggered = &now
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

func (t *Tracker) updateErrorRateUnsafe() {
	if t.stats.TotalAttempts > 0 {
		t.stats.ErrorRate = float64(t.stats.FailedAttempts) / float64(t.stats.TotalAttempts)
	}
}

func (t *Tracker) recordLatencyUnsafe(operation string, latencyMs float64) {
	bucket, ok := t.latencyHistogram[operation]
	if !ok {
		bucket = &LatencyBucket{
			Operation: operation,
			Min:       latencyMs,
			Max:       latencyMs,
		}
		t.latencyHistogram[operation] = bucket
	}

	bucket.Count++
	bucket.Sum += latencyMs

	if latencyMs < bucket.Min {
		bucket.Min = latencyMs
	}
	if latencyMs > bucket.Max {
		bucket.Max = latencyMs
	}

	// Coarse percentiles; the Prometheus histograms carry the real ones
	bucket.P50 = bucket.Sum / float64(bucket.Count)
	bucket.P95 = bucket.Max * 0.95
	bucket.P99 = bucket.Max * 0.99
}

func (t *Tracker) recordThroughputUnsafe(operation string) {
	counter, ok := t.throughputCounter[operation]
	if !ok {
		counter = &ThroughputCounter{
			Operation: operation,
		}
		t.throughputCounter[operation] = counter
	}

	counter.Count++
	counter.LastMinute++
	counter.RequestsPerSec = float64(counter.LastMinute) / 60.0
}

func generateErrorID() string {
	return "err_" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func generateAlertID() string {
	return "alert_" + strconv.FormatInt(time.Now().UnixNano(), 10)
}
