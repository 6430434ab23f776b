// Package worker consumes the payment queues and drives authorization
// requests to a terminal outcome. Every delivery runs under the per-request
// lock, so concurrent consumers and queue redeliveries collapse to one
// effective attempt, and the processor idempotency key makes that attempt
// safe to replay.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/authorization"
	"github.com/tably/payments/internal/circuitbreaker"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/locks"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/processor"
	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/tokenstore"
	"github.com/tably/payments/pb"
)

// Result classifies one processed delivery. The consumer acks or nacks based
// on it; metrics use it as a label.
type Result string

const (
	ResultSuccess          Result = "success"
	ResultSkippedLock      Result = "skipped_lock_not_acquired"
	ResultSkippedVoid      Result = "skipped_void_detected"
	ResultTerminalFailure  Result = "terminal_failure"
	ResultRetryableFailure Result = "retryable_failure"
)

// Ack reports whether this result removes the message from the queue. Lock
// contention and retryable failures return the message for redelivery.
func (r Result) Ack() bool {
	switch r {
	case ResultSuccess, ResultSkippedVoid, ResultTerminalFailure:
		return true
	}
	return false
}

// Error codes recorded on terminal AuthAttemptFailed events. Token service
// and processor codes that need no translation pass through unchanged.
const (
	errCodeNotFound       = "NOT_FOUND"
	errCodeExpired        = "EXPIRED"
	errCodeForbidden      = "FORBIDDEN"
	errCodeConfigNotFound = "CONFIG_NOT_FOUND"
	errCodeUnexpected     = "UNEXPECTED_ERROR"
	errCodeMaxRetries     = "max_retries_exceeded"
)

// Merchant webhook event names for terminal outcomes.
const (
	EventAuthorized = "payment.authorized"
	EventDenied     = "payment.denied"
	EventFailed     = "payment.failed"
	EventExpired    = "payment.expired"
	EventVoided     = "payment.voided"
)

// DefaultMaxRetries caps retryable failures per authorization request.
const DefaultMaxRetries = 5

// TokenDecrypter is the token store surface the worker needs. The production
// implementation is *tokenstore.Client.
type TokenDecrypter interface {
	Decrypt(ctx context.Context, paymentToken string, restaurantID uuid.UUID, requestID string) (*pb.PaymentData, map[string]string, error)
}

// Notifier fans terminal outcomes out to merchant-facing channels. Delivery
// is best-effort and must not block message processing.
type Notifier interface {
	AuthEvent(event string, st *eventlog.AuthRequestState)
}

// Config carries worker-level policy.
type Config struct {
	WorkerID   string
	MaxRetries int
	Processor  processor.Options
}

// Worker processes authorization and void queue messages.
type Worker struct {
	id          string
	store       *eventlog.Store
	recorder    *eventlog.Recorder
	locks       *locks.Manager
	restaurants *restaurants.Manager
	tokens      TokenDecrypter
	maxRetries  int
	procOpts    processor.Options

	waiters  *authorization.Waiters
	notifier Notifier
	breakers *circuitbreaker.PaymentBreakers
	metrics  *monitoring.Metrics
	tracker  *monitoring.Tracker
	logger   *log.Logger

	newProcessor func(*restaurants.PaymentConfig, processor.Options) (processor.Processor, error)
	backoff      func(attempt int) time.Duration

	procMu    sync.Mutex
	procCache map[string]processor.Processor
}

func New(store *eventlog.Store, recorder *eventlog.Recorder, lockMgr *locks.Manager,
	restaurantMgr *restaurants.Manager, tokens TokenDecrypter, cfg Config) *Worker {

	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Worker{
		id:           cfg.WorkerID,
		store:        store,
		recorder:     recorder,
		locks:        lockMgr,
		restaurants:  restaurantMgr,
		tokens:       tokens,
		maxRetries:   cfg.MaxRetries,
		procOpts:     cfg.Processor,
		logger:       log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		newProcessor: processor.New,
		backoff:      retryDelay,
		procCache:    make(map[string]processor.Processor),
	}
}

// WithWaiters connects the worker to an in-process waiter registry, so
// ingress fast-path callers wake as soon as an outcome commits.
func (w *Worker) WithWaiters(ws *authorization.Waiters) *Worker {
	w.waiters = ws
	return w
}

// WithNotifier connects the worker to a merchant webhook emitter.
func (w *Worker) WithNotifier(n Notifier) *Worker {
	w.notifier = n
	return w
}

// WithBreakers guards token service and processor calls with circuit
// breakers. An open circuit surfaces as a retryable failure without a call
// leaving the process.
func (w *Worker) WithBreakers(b *circuitbreaker.PaymentBreakers) *Worker {
	w.breakers = b
	return w
}

func (w *Worker) WithMetrics(m *monitoring.Metrics, t *monitoring.Tracker) *Worker {
	w.metrics = m
	w.tracker = t
	return w
}

// ProcessAuthRequest runs one delivery of an authorization request. The
// returned Result decides ack or nack; err carries detail for logging and
// never changes that decision.
func (w *Worker) ProcessAuthRequest(ctx context.Context, msg *pb.AuthRequestQueuedMessage) (Result, error) {
	id, err := uuid.Parse(msg.AuthRequestID)
	if err != nil {
		return ResultTerminalFailure, fmt.Errorf("dropping message with bad auth_request_id %q: %w", msg.AuthRequestID, err)
	}

	lock, err := w.locks.Acquire(ctx, id, w.id, 0)
	if err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to acquire lock for %s: %w", id, err)
	}
	if !lock.Acquired {
		w.logger.Printf("🔒 %s is held by %s, returning message to queue", id, lock.CurrentHolder)
		return ResultSkippedLock, nil
	}
	defer w.releaseLock(id)

	return w.process(ctx, id)
}

// releaseLock runs on a fresh context so the lock is freed before the
// message is settled even when the delivery context is already canceled.
func (w *Worker) releaseLock(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.locks.Release(ctx, id, w.id); err != nil {
		w.logger.Printf("⚠️ Failed to release lock on %s: %v", id, err)
	}
}

func (w *Worker) process(ctx context.Context, id uuid.UUID) (Result, error) {
	st, err := w.store.GetState(ctx, id)
	if errors.Is(err, eventlog.ErrStateNotFound) {
		// The outbox publishes only after the creating transaction commits,
		// so a missing row means the read model is behind this replica.
		return ResultRetryableFailure, fmt.Errorf("no state for %s yet", id)
	}
	if err != nil {
		return ResultRetryableFailure, err
	}
	if st.Status.Terminal() {
		w.logger.Printf("♻️ %s already %s, dropping duplicate delivery", id, st.Status)
		return ResultSuccess, nil
	}

	voided, err := w.store.HasVoidBeforeResponse(ctx, id)
	if err != nil {
		return ResultRetryableFailure, err
	}
	if voided {
		return w.expireVoided(ctx, id)
	}

	retries, err := w.loadRetryState(ctx, id)
	if err != nil {
		return ResultRetryableFailure, err
	}
	if !retries.due() {
		w.logger.Printf("⏳ %s retry not due until %s, returning message to queue",
			id, retries.nextRetryAt.UTC().Format(time.RFC3339))
		return ResultRetryableFailure, nil
	}
	if retries.count >= w.maxRetries {
		w.logger.Printf("❌ %s exhausted %d retries", id, retries.count)
		return w.failTerminal(ctx, id, retries.count, errCodeMaxRetries,
			fmt.Sprintf("gave up after %d retryable failures", retries.count))
	}
	attempt := retries.count + 1

	cfg, err := w.restaurants.GetConfig(ctx, st.RestaurantID)
	if errors.Is(err, restaurants.ErrConfigNotFound) {
		w.logger.Printf("❌ Restaurant %s has no active payment config", st.RestaurantID)
		return w.failTerminal(ctx, id, retries.count, errCodeConfigNotFound,
			fmt.Sprintf("restaurant %s has no active payment config", st.RestaurantID))
	}
	if err != nil {
		return ResultRetryableFailure, err
	}

	start := &pb.AuthAttemptStarted{
		AuthRequestID: id.String(),
		AttemptNumber: int32(attempt),
		WorkerID:      w.id,
		ConfigVersion: configVersionNumber(cfg.ConfigVersion),
		StartedAt:     time.Now().Unix(),
	}
	if _, err := w.recorder.AttemptStarted(ctx, id, start.Marshal(), w.eventMeta()); err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record attempt start: %w", err)
	}

	card, err := w.guardedDecrypt(ctx, st)
	if err != nil {
		return w.handleTokenError(ctx, id, retries, err)
	}

	proc, err := w.processorFor(cfg)
	if err != nil {
		code, msg := errCodeUnexpected, err.Error()
		if pe, ok := processor.AsError(err); ok {
			code, msg = pe.Code, pe.Message
		}
		w.logger.Printf("❌ Cannot build processor for %s: %s", st.RestaurantID, msg)
		return w.failTerminal(ctx, id, retries.count, code, msg)
	}

	// The auth request id doubles as the processor idempotency key, so a
	// replayed attempt can never create a second hold.
	req := &processor.AuthRequest{
		AuthRequestID:       id,
		RestaurantID:        st.RestaurantID,
		AmountCents:         st.AmountCents,
		Currency:            st.Currency,
		Card:                card,
		IdempotencyKey:      id.String(),
		StatementDescriptor: cfg.StatementDescriptor,
		Metadata:            st.Metadata,
	}
	started := time.Now()
	res, err := w.guardedAuthorize(ctx, proc, req)
	elapsed := time.Since(started)
	if err != nil {
		w.metrics.RecordProcessorCall(proc.Name(), "error", elapsed.Seconds())
		return w.handleProcessorError(ctx, id, retries, err)
	}

	if res.Authorized {
		w.metrics.RecordProcessorCall(res.ProcessorName, "authorized", elapsed.Seconds())
		return w.recordAuthorized(ctx, id, res)
	}
	w.metrics.RecordProcessorCall(res.ProcessorName, "denied", elapsed.Seconds())
	return w.recordDenied(ctx, id, res)
}

func (w *Worker) recordAuthorized(ctx context.Context, id uuid.UUID, res *processor.AuthResult) (Result, error) {
	event := &pb.AuthResponseReceived{
		AuthRequestID:         id.String(),
		Status:                pb.AuthStatusAuthorized,
		ProcessorName:         res.ProcessorName,
		ProcessorAuthID:       res.ProcessorAuthID,
		AuthorizationCode:     res.AuthorizationCode,
		AuthorizedAmountCents: res.AuthorizedAmountCents,
		Currency:              res.Currency,
		RespondedAt:           time.Now().Unix(),
		ProcessorMetadata:     res.Metadata,
	}
	_, err := w.recorder.ResponseAuthorized(ctx, id, event.Marshal(), eventlog.AuthorizedProjection{
		ProcessorAuthID:       res.ProcessorAuthID,
		ProcessorName:         res.ProcessorName,
		AuthorizedAmountCents: res.AuthorizedAmountCents,
		AuthorizationCode:     res.AuthorizationCode,
	}, w.eventMeta())
	if err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record authorization: %w", err)
	}
	w.announce(ctx, id)
	return ResultSuccess, nil
}

func (w *Worker) recordDenied(ctx context.Context, id uuid.UUID, res *processor.AuthResult) (Result, error) {
	event := &pb.AuthResponseReceived{
		AuthRequestID: id.String(),
		Status:        pb.AuthStatusDenied,
		ProcessorName: res.ProcessorName,
		DenialCode:    res.DenialCode,
		DenialReason:  res.DenialReason,
		RespondedAt:   time.Now().Unix(),
	}
	_, err := w.recorder.ResponseDenied(ctx, id, event.Marshal(), eventlog.DeniedProjection{
		ProcessorName: res.ProcessorName,
		DenialCode:    res.DenialCode,
		DenialReason:  res.DenialReason,
	}, w.eventMeta())
	if err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record denial: %w", err)
	}
	w.announce(ctx, id)
	return ResultSuccess, nil
}

// expireVoided closes a request whose void arrived before any processor
// response. No processor call is made.
func (w *Worker) expireVoided(ctx context.Context, id uuid.UUID) (Result, error) {
	event := &pb.AuthRequestExpired{
		AuthRequestID: id.String(),
		Reason:        "void_before_auth",
		ExpiredAt:     time.Now().Unix(),
	}
	if _, err := w.recorder.Expired(ctx, id, event.Marshal(), w.eventMeta()); err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record expiry: %w", err)
	}
	w.announce(ctx, id)
	return ResultSkippedVoid, nil
}

func (w *Worker) failTerminal(ctx context.Context, id uuid.UUID, retryCount int, code, message string) (Result, error) {
	event := &pb.AuthAttemptFailed{
		AuthRequestID: id.String(),
		IsRetryable:   false,
		ErrorCode:     code,
		ErrorMessage:  message,
		RetryCount:    int32(retryCount),
		FailedAt:      time.Now().Unix(),
	}
	if _, err := w.recorder.AttemptFailedTerminal(ctx, id, event.Marshal(), code, message, w.eventMeta()); err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record terminal failure: %w", err)
	}
	w.announce(ctx, id)
	return ResultTerminalFailure, nil
}

func (w *Worker) failRetryable(ctx context.Context, id uuid.UUID, retries retryState, code, message string) (Result, error) {
	count := retries.count + 1
	delay := w.backoff(count)
	event := &pb.AuthAttemptFailed{
		AuthRequestID: id.String(),
		IsRetryable:   true,
		ErrorCode:     code,
		ErrorMessage:  message,
		RetryCount:    int32(count),
		NextRetryAt:   time.Now().Add(delay).Unix(),
		FailedAt:      time.Now().Unix(),
	}
	if _, err := w.recorder.AttemptFailedRetryable(ctx, id, event.Marshal(), w.eventMeta()); err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to record retryable failure: %w", err)
	}
	w.logger.Printf("🔁 Attempt %d for %s failed with %s, next retry in %s", count, id, code, delay.Round(time.Second))
	return ResultRetryableFailure, nil
}

func (w *Worker) handleTokenError(ctx context.Context, id uuid.UUID, retries retryState, err error) (Result, error) {
	ce, ok := tokenstore.AsClientError(err)
	if !ok {
		return w.failRetryable(ctx, id, retries, errCodeUnexpected, err.Error())
	}
	if ce.Retryable {
		return w.failRetryable(ctx, id, retries, ce.Code, ce.Message)
	}
	w.logger.Printf("❌ Token decrypt failed terminally for %s: %s", id, ce.Code)
	return w.failTerminal(ctx, id, retries.count, tokenErrorCode(ce.Code), ce.Message)
}

func (w *Worker) handleProcessorError(ctx context.Context, id uuid.UUID, retries retryState, err error) (Result, error) {
	if ctx.Err() != nil {
		// Shutdown or deadline mid-call. Redeliver without burning a retry;
		// the processor idempotency key keeps the replay safe.
		return ResultRetryableFailure, fmt.Errorf("authorize interrupted: %w", ctx.Err())
	}
	pe, ok := processor.AsError(err)
	if !ok {
		return w.failRetryable(ctx, id, retries, errCodeUnexpected, err.Error())
	}
	if pe.Retryable {
		return w.failRetryable(ctx, id, retries, pe.Code, pe.Message)
	}
	w.logger.Printf("❌ Processor failed terminally for %s: %s", id, pe.Code)
	return w.failTerminal(ctx, id, retries.count, pe.Code, pe.Message)
}

// decryptCard exchanges the payment token for card data. The card lives on
// the stack of the processing goroutine and is never logged or persisted.
func (w *Worker) decryptCard(ctx context.Context, st *eventlog.AuthRequestState) (processor.Card, error) {
	pd, _, err := w.tokens.Decrypt(ctx, st.PaymentToken, st.RestaurantID, st.AuthRequestID.String())
	if err != nil {
		return processor.Card{}, err
	}
	expMonth, _ := strconv.Atoi(pd.ExpMonth)
	expYear, _ := strconv.Atoi(pd.ExpYear)
	return processor.Card{
		Number:         pd.CardNumber,
		ExpMonth:       expMonth,
		ExpYear:        expYear,
		CVC:            pd.CVV,
		CardholderName: pd.CardholderName,
	}, nil
}

// guardedDecrypt runs the token service call through its circuit breaker
// when one is configured. An open circuit reports the service unavailable
// without making the call.
func (w *Worker) guardedDecrypt(ctx context.Context, st *eventlog.AuthRequestState) (processor.Card, error) {
	if w.breakers == nil {
		return w.decryptCard(ctx, st)
	}
	res, err := w.breakers.TokenStore.ExecuteClassified(ctx, func(ctx context.Context) (interface{}, error) {
		return w.decryptCard(ctx, st)
	}, tokenFailure)
	if circuitbreaker.IsOpen(err) {
		return processor.Card{}, &tokenstore.ClientError{
			Code:      tokenstore.ClientErrUnavailable,
			Message:   "token service circuit open",
			Retryable: true,
		}
	}
	if err != nil {
		return processor.Card{}, err
	}
	return res.(processor.Card), nil
}

// guardedAuthorize wraps the authorize call in the per-processor breaker.
func (w *Worker) guardedAuthorize(ctx context.Context, proc processor.Processor, req *processor.AuthRequest) (*processor.AuthResult, error) {
	if w.breakers == nil {
		return proc.Authorize(ctx, req)
	}
	res, err := w.breakers.Processor(proc.Name()).ExecuteClassified(ctx, func(ctx context.Context) (interface{}, error) {
		return proc.Authorize(ctx, req)
	}, processorFailure)
	if circuitbreaker.IsOpen(err) {
		return nil, &processor.Error{
			Code:      processor.ErrCodeUnavailable,
			Message:   proc.Name() + " circuit open",
			Retryable: true,
		}
	}
	if err != nil {
		return nil, err
	}
	return res.(*processor.AuthResult), nil
}

// guardedVoid mirrors guardedAuthorize for processor-side cancels.
func (w *Worker) guardedVoid(ctx context.Context, proc processor.Processor, req *processor.VoidRequest) (*processor.VoidResult, error) {
	if w.breakers == nil {
		return proc.Void(ctx, req)
	}
	res, err := w.breakers.Processor(proc.Name()).ExecuteClassified(ctx, func(ctx context.Context) (interface{}, error) {
		return proc.Void(ctx, req)
	}, processorFailure)
	if circuitbreaker.IsOpen(err) {
		return nil, &processor.Error{
			Code:      processor.ErrCodeUnavailable,
			Message:   proc.Name() + " circuit open",
			Retryable: true,
		}
	}
	if err != nil {
		return nil, err
	}
	return res.(*processor.VoidResult), nil
}

// tokenFailure flags only dependency-health errors for the breaker. A
// not-found or forbidden answer is the token service working correctly.
func tokenFailure(err error) bool {
	ce, ok := tokenstore.AsClientError(err)
	return !ok || ce.Retryable
}

// processorFailure is tokenFailure's counterpart for processor errors.
func processorFailure(err error) bool {
	pe, ok := processor.AsError(err)
	return !ok || pe.Retryable
}

// processorFor returns the restaurant's processor adapter, reused while the
// config version is unchanged.
func (w *Worker) processorFor(cfg *restaurants.PaymentConfig) (processor.Processor, error) {
	key := cfg.RestaurantID.String() + "/" + cfg.ConfigVersion
	w.procMu.Lock()
	defer w.procMu.Unlock()
	if p, ok := w.procCache[key]; ok {
		return p, nil
	}
	p, err := w.newProcessor(cfg, w.procOpts)
	if err != nil {
		return nil, err
	}
	w.procCache[key] = p
	return p, nil
}

// announce fans a terminal outcome out to in-process waiters and merchant
// webhooks. The state is re-read so announcements match what committed.
func (w *Worker) announce(ctx context.Context, id uuid.UUID) {
	st, err := w.store.GetState(ctx, id)
	if err != nil {
		w.logger.Printf("⚠️ Failed to reload %s after terminal commit: %v", id, err)
		return
	}
	if w.waiters != nil {
		w.waiters.Signal(id, st.Status)
	}
	if w.notifier != nil {
		if event := WebhookEvent(st.Status); event != "" {
			w.notifier.AuthEvent(event, st)
		}
	}
}

func (w *Worker) eventMeta() map[string]string {
	return map[string]string{"worker_id": w.id}
}

// WebhookEvent names the merchant webhook emitted for a terminal status.
// Non-terminal statuses have none.
func WebhookEvent(status eventlog.Status) string {
	switch status {
	case eventlog.StatusAuthorized:
		return EventAuthorized
	case eventlog.StatusDenied:
		return EventDenied
	case eventlog.StatusFailed:
		return EventFailed
	case eventlog.StatusExpired:
		return EventExpired
	case eventlog.StatusVoided:
		return EventVoided
	}
	return ""
}

// tokenErrorCode maps token store client codes onto the codes recorded on
// terminal failure events. Unmapped codes pass through.
func tokenErrorCode(code string) string {
	switch code {
	case tokenstore.ClientErrNotFound:
		return errCodeNotFound
	case tokenstore.ClientErrExpired:
		return errCodeExpired
	case tokenstore.ClientErrForbidden:
		return errCodeForbidden
	}
	return code
}

// configVersionNumber extracts the numeric part of a config version label
// ("v3" or "3") for the attempt-start event.
func configVersionNumber(version string) int32 {
	n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil {
		return 0
	}
	return int32(n)
}
