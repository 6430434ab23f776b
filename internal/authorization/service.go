// Package authorization implements the ingress for payment authorization
// requests: validated, idempotent intake, the single transaction coupling
// the first event with its outbox row, status reads, and voids. The ingress
// never calls a payment processor and never modifies terminal state.
package authorization

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/pb"
)

const (
	// DefaultFastPathWait bounds how long Authorize blocks hoping for a
	// terminal result before falling back to 202 + polling.
	DefaultFastPathWait = 5 * time.Second

	// DefaultPollInterval paces the read-model poll that covers workers
	// running in other processes.
	DefaultPollInterval = 100 * time.Millisecond

	// Idempotency bindings must outlive payment tokens (24h TTL), or a
	// stale retry could create a second charge.
	defaultIdempotencyTTL = 48 * time.Hour
)

// supportedCurrencies is the ISO 4217 allow-list.
var supportedCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true,
	"NZD": true, "JPY": true, "CHF": true, "SEK": true, "NOK": true,
	"DKK": true, "SGD": true, "HKD": true, "MXN": true, "BRL": true,
	"INR": true,
}

// Config tunes the ingress service.
type Config struct {
	FastPathWait   time.Duration
	PollInterval   time.Duration
	IdempotencyTTL time.Duration
}

// Service is the authorization ingress.
type Service struct {
	db             *sql.DB
	store          *eventlog.Store
	outbox         *outbox.Outbox
	waiters        *Waiters
	fastPathWait   time.Duration
	pollInterval   time.Duration
	idempotencyTTL time.Duration
	metrics        *monitoring.Metrics
	tracker        *monitoring.Tracker
	logger         *log.Logger
}

func NewService(db *sql.DB, store *eventlog.Store, ob *outbox.Outbox, waiters *Waiters, cfg Config, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Service {
	if cfg.FastPathWait <= 0 {
		cfg.FastPathWait = DefaultFastPathWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if waiters == nil {
		waiters = NewWaiters()
	}
	return &Service{
		db:             db,
		store:          store,
		outbox:         ob,
		waiters:        waiters,
		fastPathWait:   cfg.FastPathWait,
		pollInterval:   cfg.PollInterval,
		idempotencyTTL: cfg.IdempotencyTTL,
		metrics:        metrics,
		tracker:        tracker,
		logger:         log.New(log.Writer(), "[INGRESS] ", log.LstdFlags),
	}
}

// Waiters exposes the fast-path registry so a worker hosted in the same
// process can signal completions.
func (s *Service) Waiters() *Waiters {
	return s.waiters
}

// Ping reports database reachability for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AuthorizeInput is one authorization request. RestaurantID comes from the
// authenticated API key, never from the request body.
type AuthorizeInput struct {
	RestaurantID   uuid.UUID
	PaymentToken   string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

func (in *AuthorizeInput) validate() error {
	if in.RestaurantID == uuid.Nil {
		return errf(ErrCodeValidation, "restaurant_id is required")
	}
	if in.PaymentToken == "" {
		return errf(ErrCodeValidation, "payment_token is required")
	}
	if in.AmountCents <= 0 {
		return errf(ErrCodeValidation, "amount_cents must be positive")
	}
	if !supportedCurrencies[in.Currency] {
		return errf(ErrCodeValidation, "unsupported currency %q", in.Currency)
	}
	if in.IdempotencyKey == "" {
		return errf(ErrCodeValidation, "idempotency_key is required")
	}
	return nil
}

// fingerprint hashes the semantic request fields. Requests sharing an
// idempotency key are retries of one another only when their fingerprints
// match.
func (in *AuthorizeInput) fingerprint() string {
	h := sha256.New()
	io.WriteString(h, in.PaymentToken)
	h.Write([]byte{0})
	io.WriteString(h, strconv.FormatInt(in.AmountCents, 10))
	h.Write([]byte{0})
	io.WriteString(h, in.Currency)

	keys := make([]string, 0, len(in.Metadata))
	for k := range in.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		io.WriteString(h, k)
		h.Write([]byte{1})
		io.WriteString(h, in.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome is the ingress result. State is the read model at return time;
// FastPath reports that a terminal status arrived inside the wait window.
type Outcome struct {
	AuthRequestID uuid.UUID
	State         *eventlog.AuthRequestState
	Replayed      bool
	FastPath      bool
}

// Authorize runs the write path: idempotency check, then one transaction
// appending AuthRequestCreated at sequence 1, inserting the PENDING
// read-model row, writing the outbox row for the auth queue, and binding
// the idempotency key. After commit it waits up to the fast-path window
// for a terminal status.
func (s *Service) Authorize(ctx context.Context, in *AuthorizeInput) (*Outcome, error) {
	started := time.Now()
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))

	if err := in.validate(); err != nil {
		s.metrics.RecordAuthorizeRequest("rejected", "queued", time.Since(started).Seconds())
		return nil, err
	}

	fp := in.fingerprint()
	binding, err := s.getBinding(ctx, in.RestaurantID, in.IdempotencyKey)
	if err != nil {
		s.logger.Printf("❌ Idempotency lookup failed: %v", err)
		return nil, errf(ErrCodeInternal, "failed to check idempotency key")
	}
	if binding != nil {
		return s.replay(ctx, in, binding, fp, started)
	}

	authRequestID := uuid.New()
	now := time.Now()
	createdEvent := (&pb.AuthRequestCreated{
		AuthRequestID: authRequestID.String(),
		PaymentToken:  in.PaymentToken,
		RestaurantID:  in.RestaurantID.String(),
		AmountCents:   in.AmountCents,
		Currency:      in.Currency,
		CreatedAt:     now.Unix(),
		Metadata:      in.Metadata,
	}).Marshal()
	queued := (&pb.AuthRequestQueuedMessage{
		AuthRequestID: authRequestID.String(),
		RestaurantID:  in.RestaurantID.String(),
		CreatedAt:     now.Unix(),
	}).Marshal()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.store.Append(ctx, tx, &eventlog.Event{
			AggregateID:    authRequestID,
			EventType:      eventlog.TypeAuthRequestCreated,
			EventData:      createdEvent,
			Metadata:       map[string]string{"idempotency_key": in.IdempotencyKey},
			SequenceNumber: 1,
		}); err != nil {
			return err
		}
		if err := s.store.CreateState(ctx, tx, &eventlog.AuthRequestState{
			AuthRequestID: authRequestID,
			RestaurantID:  in.RestaurantID,
			PaymentToken:  in.PaymentToken,
			AmountCents:   in.AmountCents,
			Currency:      in.Currency,
			Metadata:      in.Metadata,
		}); err != nil {
			return err
		}
		if err := s.outbox.Write(ctx, tx, authRequestID, outbox.MessageTypeAuthRequestQueued, queued); err != nil {
			return err
		}
		return s.bindIdempotency(ctx, tx, in.RestaurantID, in.IdempotencyKey, authRequestID, fp)
	})
	if errors.Is(err, errIdempotencyRace) || database.IsUniqueViolation(err) {
		binding, berr := s.getBinding(ctx, in.RestaurantID, in.IdempotencyKey)
		if berr != nil || binding == nil {
			return nil, errf(ErrCodeInternal, "failed to resolve concurrent idempotency binding")
		}
		return s.replay(ctx, in, binding, fp, started)
	}
	if err != nil {
		s.logger.Printf("❌ Authorize transaction failed: %v", err)
		s.metrics.RecordAuthorizeRequest("error", "queued", time.Since(started).Seconds())
		return nil, errf(ErrCodeInternal, "failed to create authorization request")
	}
	s.outbox.Wake()
	s.logger.Printf("📝 Auth request %s created for restaurant %s (%d %s)", authRequestID, in.RestaurantID, in.AmountCents, in.Currency)

	if st, ok := s.awaitTerminal(ctx, authRequestID); ok {
		s.metrics.RecordAuthorizeRequest("completed", "fast_path", time.Since(started).Seconds())
		if s.tracker != nil {
			s.tracker.RecordFastPath(true)
			s.tracker.RecordAuthorization(string(st.Status), time.Since(started))
		}
		return &Outcome{AuthRequestID: authRequestID, State: st, FastPath: true}, nil
	}

	st, err := s.store.GetState(ctx, authRequestID)
	if err != nil {
		s.logger.Printf("❌ Post-commit state read failed for %s: %v", authRequestID, err)
		return nil, errf(ErrCodeInternal, "failed to load auth request state")
	}
	s.metrics.RecordAuthorizeRequest("accepted", "queued", time.Since(started).Seconds())
	if s.tracker != nil {
		s.tracker.RecordFastPath(false)
		s.tracker.RecordAuthorization(string(st.Status), time.Since(started))
	}
	return &Outcome{AuthRequestID: authRequestID, State: st}, nil
}

// replay serves a repeated idempotency key: a matching fingerprint returns
// the bound request's current snapshot, anything else is a conflict.
func (s *Service) replay(ctx context.Context, in *AuthorizeInput, binding *idempotencyBinding, fp string, started time.Time) (*Outcome, error) {
	if binding.Fingerprint != fp {
		s.metrics.RecordAuthorizeRequest("conflict", "queued", time.Since(started).Seconds())
		return nil, errf(ErrCodeIdempotencyConflict, "idempotency key %q was already used with a different request", in.IdempotencyKey)
	}
	st, err := s.store.GetState(ctx, binding.AuthRequestID)
	if err != nil {
		s.logger.Printf("❌ Replay state read failed for %s: %v", binding.AuthRequestID, err)
		return nil, errf(ErrCodeInternal, "failed to load auth request state")
	}
	s.metrics.RecordAuthorizeRequest("duplicate", "queued", time.Since(started).Seconds())
	s.logger.Printf("♻️ Idempotent replay of %s for restaurant %s", binding.AuthRequestID, in.RestaurantID)
	return &Outcome{AuthRequestID: binding.AuthRequestID, State: st, Replayed: true}, nil
}

// awaitTerminal blocks until the read model shows a terminal status, the
// fast-path window lapses, or ctx is done. A waiter signal short-circuits
// the poll; the poll covers workers in other processes.
func (s *Service) awaitTerminal(ctx context.Context, id uuid.UUID) (*eventlog.AuthRequestState, bool) {
	ch := s.waiters.Register(id)
	defer s.waiters.Unregister(id, ch)

	deadline := time.NewTimer(s.fastPathWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ch:
		case <-tick.C:
		}

		st, err := s.store.GetState(ctx, id)
		if err == nil && st.Status.Terminal() {
			return st, true
		}
	}
}

// GetStatus returns the read-model snapshot. Unknown ids and ids owned by
// another restaurant are both NOT_FOUND so callers cannot probe for
// foreign requests.
func (s *Service) GetStatus(ctx context.Context, authRequestID, restaurantID uuid.UUID) (*eventlog.AuthRequestState, error) {
	st, err := s.store.GetState(ctx, authRequestID)
	if errors.Is(err, eventlog.ErrStateNotFound) {
		return nil, errf(ErrCodeNotFound, "auth request %s not found", authRequestID)
	}
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to load auth request state")
	}
	if st.RestaurantID != restaurantID {
		return nil, errf(ErrCodeNotFound, "auth request %s not found", authRequestID)
	}
	return st, nil
}

// VoidInput is one void request.
type VoidInput struct {
	AuthRequestID  uuid.UUID
	RestaurantID   uuid.UUID
	Reason         string
	IdempotencyKey string
}

// fingerprint distinguishes a void binding from an authorize binding using
// the same idempotency key.
func (in *VoidInput) fingerprint() string {
	h := sha256.New()
	io.WriteString(h, "void")
	h.Write([]byte{0})
	io.WriteString(h, in.AuthRequestID.String())
	h.Write([]byte{0})
	io.WriteString(h, in.Reason)
	return hex.EncodeToString(h.Sum(nil))
}

// Void appends AuthVoidRequested and queues the void for the worker, in one
// transaction with the idempotency binding. At most one AuthVoidRequested
// exists per request: repeat voids return the current snapshot. The ingress
// never contacts the processor; reversing an AUTHORIZED hold is the void
// consumer's job.
func (s *Service) Void(ctx context.Context, in *VoidInput) (*eventlog.AuthRequestState, error) {
	st, err := s.GetStatus(ctx, in.AuthRequestID, in.RestaurantID)
	if err != nil {
		return nil, err
	}

	fp := in.fingerprint()
	if in.IdempotencyKey != "" {
		binding, err := s.getBinding(ctx, in.RestaurantID, in.IdempotencyKey)
		if err != nil {
			s.logger.Printf("❌ Idempotency lookup failed: %v", err)
			return nil, errf(ErrCodeInternal, "failed to check idempotency key")
		}
		if binding != nil {
			if binding.Fingerprint != fp {
				return nil, errf(ErrCodeIdempotencyConflict, "idempotency key %q was already used with a different request", in.IdempotencyKey)
			}
			return st, nil
		}
	}

	voided, err := s.store.HasEvent(ctx, in.AuthRequestID, eventlog.TypeAuthVoidRequested)
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to check void history")
	}
	if voided {
		return st, nil
	}

	now := time.Now()
	eventData := (&pb.AuthVoidRequested{
		AuthRequestID: in.AuthRequestID.String(),
		Reason:        in.Reason,
		RequestedAt:   now.Unix(),
	}).Marshal()
	queued := (&pb.VoidRequestQueuedMessage{
		AuthRequestID: in.AuthRequestID.String(),
		RestaurantID:  in.RestaurantID.String(),
		Reason:        in.Reason,
		CreatedAt:     now.Unix(),
	}).Marshal()
	meta := map[string]string{}
	if in.IdempotencyKey != "" {
		meta["idempotency_key"] = in.IdempotencyKey
	}

	// A worker appending concurrently loses us the sequence slot; re-append
	// at the next one.
	for attempt := 0; attempt < 3; attempt++ {
		err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := s.store.RecordVoidRequested(ctx, tx, in.AuthRequestID, eventData, meta); err != nil {
				return err
			}
			if err := s.outbox.Write(ctx, tx, in.AuthRequestID, outbox.MessageTypeVoidRequestQueued, queued); err != nil {
				return err
			}
			if in.IdempotencyKey != "" {
				return s.bindIdempotency(ctx, tx, in.RestaurantID, in.IdempotencyKey, in.AuthRequestID, fp)
			}
			return nil
		})
		if !errors.Is(err, eventlog.ErrSequenceConflict) {
			break
		}
	}
	if errors.Is(err, errIdempotencyRace) {
		binding, berr := s.getBinding(ctx, in.RestaurantID, in.IdempotencyKey)
		if berr != nil || binding == nil {
			return nil, errf(ErrCodeInternal, "failed to resolve concurrent idempotency binding")
		}
		if binding.Fingerprint != fp {
			return nil, errf(ErrCodeIdempotencyConflict, "idempotency key %q was already used with a different request", in.IdempotencyKey)
		}
		return s.GetStatus(ctx, in.AuthRequestID, in.RestaurantID)
	}
	if err != nil {
		s.logger.Printf("❌ Void transaction failed for %s: %v", in.AuthRequestID, err)
		return nil, errf(ErrCodeInternal, "failed to record void request")
	}
	s.outbox.Wake()
	s.logger.Printf("🛑 Void requested for %s (reason=%q)", in.AuthRequestID, in.Reason)

	return s.GetStatus(ctx, in.AuthRequestID, in.RestaurantID)
}
