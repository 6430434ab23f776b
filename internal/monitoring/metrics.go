package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payments platform.
// A nil *Metrics is valid and records nothing, so components can run
// unmetered in tests.
type Metrics struct {
	// Ingress metrics
	AuthorizeRequests *prometheus.CounterVec
	AuthorizeDuration *prometheus.HistogramVec

	// Outbox metrics
	OutboxPublished       *prometheus.CounterVec
	OutboxPublishFailures prometheus.Counter

	// Worker metrics
	WorkerResults  *prometheus.CounterVec
	WorkerInflight prometheus.Gauge

	// Processor metrics
	ProcessorRequests *prometheus.CounterVec
	ProcessorDuration *prometheus.HistogramVec

	// Lock metrics
	LockAcquisitions *prometheus.CounterVec

	// Token store metrics
	TokenOperations *prometheus.CounterVec
	DecryptRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call it once per
// process; promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		// Authorize Request Counter
		AuthorizeRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_authorize_requests_total",
				Help: "Total authorization requests received by the ingress",
			},
			[]string{"outcome"}, // outcome: accepted, completed, duplicate, conflict, rejected, error
		),

		// Authorize Duration Histogram
		AuthorizeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payments_authorize_duration_seconds",
				Help:    "Time from ingress accept to HTTP response",
				Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
			},
			[]string{"path"}, // path: fast_path, queued
		),

		// Outbox Published Counter
		OutboxPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_outbox_published_total",
				Help: "Outbox rows published to the queue and marked processed",
			},
			[]string{"message_type"},
		),

		// Outbox Publish Failure Counter
		OutboxPublishFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "payments_outbox_publish_failures_total",
				Help: "Publish attempts that failed and were scheduled for retry",
			},
		),

		// Worker Result Counter
		WorkerResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_worker_results_total",
				Help: "Authorization worker processing outcomes",
			},
			[]string{"result"}, // result: success, skipped_lock_not_acquired, skipped_void_detected, terminal_failure, retryable_failure
		),

		// Worker Inflight Gauge
		WorkerInflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "payments_worker_inflight",
				Help: "Queue messages currently being processed",
			},
		),

		// Processor Request Counter
		ProcessorRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_processor_requests_total",
				Help: "Calls made to payment processors",
			},
			[]string{"processor", "outcome"}, // outcome: authorized, denied, retryable_error, fatal_error
		),

		// Processor Duration Histogram
		ProcessorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payments_processor_duration_seconds",
				Help:    "Round-trip latency of processor calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"processor"},
		),

		// Lock Acquisition Counter
		LockAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_lock_acquisitions_total",
				Help: "Processing lock acquisition attempts",
			},
			[]string{"result"}, // result: acquired, takeover, contended
		),

		// Token Operation Counter
		TokenOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_token_operations_total",
				Help: "Token store API operations",
			},
			[]string{"operation", "status"}, // operation: create, get, decrypt
		),

		// Decrypt Request Counter
		DecryptRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_decrypt_requests_total",
				Help: "Internal decrypt requests by calling service",
			},
			[]string{"service", "result"}, // result: ok, forbidden, not_found, expired, error
		),
	}
}

// RecordAuthorizeRequest records an ingress request outcome
func (m *Metrics) RecordAuthorizeRequest(outcome, path string, seconds float64) {
	if m == nil {
		return
	}
	m.AuthorizeRequests.WithLabelValues(outcome).Inc()
	m.AuthorizeDuration.WithLabelValues(path).Observe(seconds)
}

// RecordOutboxPublished records a successful relay publish
func (m *Metrics) RecordOutboxPublished(messageType string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(messageType).Inc()
}

// RecordOutboxPublishFailure records a failed relay publish
func (m *Metrics) RecordOutboxPublishFailure() {
	if m == nil {
		return
	}
	m.OutboxPublishFailures.Inc()
}

// RecordWorkerResult records a worker processing outcome
func (m *Metrics) RecordWorkerResult(result string) {
	if m == nil {
		return
	}
	m.WorkerResults.WithLabelValues(result).Inc()
}

// WorkerStarted marks a queue message as in flight
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkerInflight.Inc()
}

// WorkerFinished marks a queue message as done
func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.WorkerInflight.Dec()
}

// RecordProcessorCall records a processor round trip
func (m *Metrics) RecordProcessorCall(processor, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProcessorRequests.WithLabelValues(processor, outcome).Inc()
	m.ProcessorDuration.WithLabelValues(processor).Observe(seconds)
}

// RecordLockAcquisition records a lock attempt result
func (m *Metrics) RecordLockAcquisition(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

// RecordTokenOperation records a token store operation
func (m *Metrics) RecordTokenOperation(operation, status string) {
	if m == nil {
		return
	}
	m.TokenOperations.WithLabelValues(operation, status).Inc()
}

// RecordDecrypt records an internal decrypt request
func (m *Metrics) RecordDecrypt(service, result string) {
	if m == nil {
		return
	}
	m.DecryptRequests.WithLabelValues(service, result).Inc()
}
