package authorization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/pb"
)

// These tests need a real Postgres with the payments schema loaded
// (scripts/payments_schema.sql). They skip when TEST_DATABASE_URL is unset.

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Open(url, 5, 2)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testService uses a short fast-path window so tests never sit out the
// full production wait.
func testService(t *testing.T, db *sql.DB) *Service {
	t.Helper()
	return NewService(db, eventlog.NewStore(db), outbox.New(db), NewWaiters(), Config{
		FastPathWait: 150 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, nil, nil)
}

func authorizeInput(restaurantID uuid.UUID) *AuthorizeInput {
	return &AuthorizeInput{
		RestaurantID:   restaurantID,
		PaymentToken:   "pt_" + uuid.NewString(),
		AmountCents:    5000,
		Currency:       "USD",
		IdempotencyKey: "idem-" + uuid.NewString(),
		Metadata:       map[string]string{"order_id": "ord-1"},
	}
}

func outboxRows(t *testing.T, db *sql.DB, aggregateID uuid.UUID, messageType string) int {
	t.Helper()
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND message_type = $2
	`, aggregateID, messageType).Scan(&n)
	require.NoError(t, err)
	return n
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *authorization.Error, got %v", err)
	assert.Equal(t, code, e.Code)
}

func TestAuthorizeInputValidation(t *testing.T) {
	rid := uuid.New()
	cases := []struct {
		name   string
		mutate func(*AuthorizeInput)
	}{
		{"missing restaurant", func(in *AuthorizeInput) { in.RestaurantID = uuid.Nil }},
		{"missing token", func(in *AuthorizeInput) { in.PaymentToken = "" }},
		{"zero amount", func(in *AuthorizeInput) { in.AmountCents = 0 }},
		{"negative amount", func(in *AuthorizeInput) { in.AmountCents = -100 }},
		{"unknown currency", func(in *AuthorizeInput) { in.Currency = "XXX" }},
		{"missing idempotency key", func(in *AuthorizeInput) { in.IdempotencyKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := authorizeInput(rid)
			tc.mutate(in)
			err := in.validate()
			assertCode(t, err, ErrCodeValidation)
		})
	}

	assert.NoError(t, authorizeInput(rid).validate())
}

func TestFingerprintCoversSemanticFields(t *testing.T) {
	base := func() *AuthorizeInput {
		return &AuthorizeInput{
			PaymentToken: "pt_a",
			AmountCents:  5000,
			Currency:     "USD",
			Metadata:     map[string]string{"a": "1", "b": "2"},
		}
	}

	same := base()
	assert.Equal(t, base().fingerprint(), same.fingerprint())

	reordered := base()
	reordered.Metadata = map[string]string{"b": "2", "a": "1"}
	assert.Equal(t, base().fingerprint(), reordered.fingerprint())

	for name, mutate := range map[string]func(*AuthorizeInput){
		"token":    func(in *AuthorizeInput) { in.PaymentToken = "pt_b" },
		"amount":   func(in *AuthorizeInput) { in.AmountCents = 5001 },
		"currency": func(in *AuthorizeInput) { in.Currency = "EUR" },
		"metadata": func(in *AuthorizeInput) { in.Metadata["a"] = "9" },
	} {
		in := base()
		mutate(in)
		assert.NotEqual(t, base().fingerprint(), in.fingerprint(), name)
	}

	// The idempotency key itself is identity, not content.
	keyed := base()
	keyed.IdempotencyKey = "idem-1"
	assert.Equal(t, base().fingerprint(), keyed.fingerprint())
}

func TestAuthorizeCreatesEventStateAndOutboxRow(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	in.Currency = "usd"
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.False(t, out.FastPath)
	assert.Equal(t, eventlog.StatusPending, out.State.Status)
	assert.Equal(t, "USD", out.State.Currency)
	assert.Equal(t, int64(5000), out.State.AmountCents)

	events, err := svc.store.Load(ctx, out.AuthRequestID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.TypeAuthRequestCreated, events[0].EventType)
	assert.Equal(t, 1, events[0].SequenceNumber)
	assert.Equal(t, in.IdempotencyKey, events[0].Metadata["idempotency_key"])

	created := &pb.AuthRequestCreated{}
	require.NoError(t, created.Unmarshal(events[0].EventData))
	assert.Equal(t, out.AuthRequestID.String(), created.AuthRequestID)
	assert.Equal(t, in.PaymentToken, created.PaymentToken)

	assert.Equal(t, 1, outboxRows(t, db, out.AuthRequestID, outbox.MessageTypeAuthRequestQueued))
}

func TestAuthorizeIdempotentReplay(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	first, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	replay := *in
	second, err := svc.Authorize(ctx, &replay)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.AuthRequestID, second.AuthRequestID)

	events, err := svc.store.Load(ctx, first.AuthRequestID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, outboxRows(t, db, first.AuthRequestID, outbox.MessageTypeAuthRequestQueued))

	conflicting := *in
	conflicting.AmountCents = 9999
	_, err = svc.Authorize(ctx, &conflicting)
	assertCode(t, err, ErrCodeIdempotencyConflict)
}

func TestAuthorizeIdempotencyIsPerRestaurant(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	key := "idem-" + uuid.NewString()
	a := authorizeInput(uuid.New())
	a.IdempotencyKey = key
	b := authorizeInput(uuid.New())
	b.IdempotencyKey = key

	outA, err := svc.Authorize(ctx, a)
	require.NoError(t, err)
	outB, err := svc.Authorize(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, outA.AuthRequestID, outB.AuthRequestID)
	assert.False(t, outB.Replayed)
}

func TestAuthorizeFastPathCompletesViaPoll(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	svc.fastPathWait = 2 * time.Second
	ctx := context.Background()
	rid := uuid.New()

	// Stand-in for a worker in another process: find the pending request
	// and drive it to AUTHORIZED while Authorize is still waiting.
	recorder := eventlog.NewRecorder(db, svc.store)
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			var id uuid.UUID
			err := db.QueryRow(`
				SELECT auth_request_id FROM auth_request_state
				WHERE restaurant_id = $1 AND status = 'PENDING'
			`, rid).Scan(&id)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			recorder.ResponseAuthorized(context.Background(), id,
				(&pb.AuthResponseReceived{AuthRequestID: id.String(), Status: pb.AuthStatusAuthorized}).Marshal(),
				eventlog.AuthorizedProjection{
					ProcessorAuthID:       "mock_pi_123",
					ProcessorName:         "mock",
					AuthorizedAmountCents: 5000,
					AuthorizationCode:     "APPROVED",
				}, nil)
			return
		}
	}()

	out, err := svc.Authorize(ctx, authorizeInput(rid))
	require.NoError(t, err)
	assert.True(t, out.FastPath)
	assert.Equal(t, eventlog.StatusAuthorized, out.State.Status)
	assert.Equal(t, "mock_pi_123", out.State.ProcessorAuthID)
}

func TestAwaitTerminalSignalShortCircuitsPoll(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	out, err := svc.Authorize(ctx, authorizeInput(uuid.New()))
	require.NoError(t, err)
	id := out.AuthRequestID

	recorder := eventlog.NewRecorder(db, svc.store)
	_, err = recorder.AttemptFailedTerminal(ctx, id,
		(&pb.AuthAttemptFailed{AuthRequestID: id.String(), ErrorCode: "max_retries_exceeded", IsRetryable: false}).Marshal(),
		"max_retries_exceeded", "all retries exhausted", nil)
	require.NoError(t, err)

	// A slow poll interval proves the waiter signal is what wakes us.
	svc.fastPathWait = 2 * time.Second
	svc.pollInterval = time.Minute

	done := make(chan *eventlog.AuthRequestState, 1)
	go func() {
		st, ok := svc.awaitTerminal(ctx, id)
		if ok {
			done <- st
		} else {
			done <- nil
		}
	}()

	require.Eventually(t, func() bool {
		return svc.waiters.Signal(id, eventlog.StatusFailed) > 0
	}, time.Second, 10*time.Millisecond)

	select {
	case st := <-done:
		require.NotNil(t, st)
		assert.Equal(t, eventlog.StatusFailed, st.Status)
		assert.Equal(t, "max_retries_exceeded", st.ErrorCode)
	case <-time.After(time.Second):
		t.Fatal("awaitTerminal did not return after signal")
	}
}

func TestGetStatusVisibility(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	st, err := svc.GetStatus(ctx, out.AuthRequestID, in.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusPending, st.Status)

	_, err = svc.GetStatus(ctx, out.AuthRequestID, uuid.New())
	assertCode(t, err, ErrCodeNotFound)

	_, err = svc.GetStatus(ctx, uuid.New(), in.RestaurantID)
	assertCode(t, err, ErrCodeNotFound)
}

func TestVoidPendingRequest(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	st, err := svc.Void(ctx, &VoidInput{
		AuthRequestID:  out.AuthRequestID,
		RestaurantID:   in.RestaurantID,
		Reason:         "customer_cancelled",
		IdempotencyKey: "void-" + uuid.NewString(),
	})
	require.NoError(t, err)
	assert.True(t, st.VoidRequested)
	assert.Equal(t, eventlog.StatusPending, st.Status)

	events, err := svc.store.Load(ctx, out.AuthRequestID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.TypeAuthVoidRequested, events[1].EventType)
	assert.Equal(t, 1, outboxRows(t, db, out.AuthRequestID, outbox.MessageTypeVoidRequestQueued))
}

func TestVoidIsIdempotent(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	void := &VoidInput{
		AuthRequestID:  out.AuthRequestID,
		RestaurantID:   in.RestaurantID,
		Reason:         "duplicate_charge",
		IdempotencyKey: "void-" + uuid.NewString(),
	}
	_, err = svc.Void(ctx, void)
	require.NoError(t, err)

	// Same key, then a different key: neither appends a second event.
	_, err = svc.Void(ctx, void)
	require.NoError(t, err)
	again := *void
	again.IdempotencyKey = "void-" + uuid.NewString()
	_, err = svc.Void(ctx, &again)
	require.NoError(t, err)

	events, err := svc.store.Load(ctx, out.AuthRequestID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, outboxRows(t, db, out.AuthRequestID, outbox.MessageTypeVoidRequestQueued))

	// Reusing the void key for a different request is a conflict.
	other, err := svc.Authorize(ctx, authorizeInput(in.RestaurantID))
	require.NoError(t, err)
	_, err = svc.Void(ctx, &VoidInput{
		AuthRequestID:  other.AuthRequestID,
		RestaurantID:   in.RestaurantID,
		Reason:         "duplicate_charge",
		IdempotencyKey: void.IdempotencyKey,
	})
	assertCode(t, err, ErrCodeIdempotencyConflict)
}

func TestVoidAuthorizedRequestMovesToVoided(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	recorder := eventlog.NewRecorder(db, svc.store)
	_, err = recorder.ResponseAuthorized(ctx, out.AuthRequestID,
		(&pb.AuthResponseReceived{AuthRequestID: out.AuthRequestID.String(), Status: pb.AuthStatusAuthorized}).Marshal(),
		eventlog.AuthorizedProjection{ProcessorAuthID: "mock_pi_9", ProcessorName: "mock", AuthorizedAmountCents: 5000},
		nil)
	require.NoError(t, err)

	st, err := svc.Void(ctx, &VoidInput{
		AuthRequestID: out.AuthRequestID,
		RestaurantID:  in.RestaurantID,
		Reason:        "order_cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusVoided, st.Status)
	assert.True(t, st.VoidRequested)
}

func TestVoidUnknownOrForeignRequest(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	_, err := svc.Void(ctx, &VoidInput{AuthRequestID: uuid.New(), RestaurantID: uuid.New()})
	assertCode(t, err, ErrCodeNotFound)

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)
	_, err = svc.Void(ctx, &VoidInput{AuthRequestID: out.AuthRequestID, RestaurantID: uuid.New()})
	assertCode(t, err, ErrCodeNotFound)
}

func TestConcurrentAuthorizeSharesOneRequest(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	const callers = 4
	results := make(chan uuid.UUID, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			call := *in
			out, err := svc.Authorize(ctx, &call)
			if err != nil {
				errs <- err
				return
			}
			results <- out.AuthRequestID
		}()
	}

	ids := map[uuid.UUID]bool{}
	for i := 0; i < callers; i++ {
		select {
		case id := <-results:
			ids[id] = true
		case err := <-errs:
			t.Fatalf("concurrent authorize failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent authorize timed out")
		}
	}
	require.Len(t, ids, 1, "all callers must share one auth request")

	for id := range ids {
		events, err := svc.store.Load(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, 1, outboxRows(t, db, id, outbox.MessageTypeAuthRequestQueued))
	}
}

func TestAuthorizeTakesOverExpiredIdempotencyRow(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	first, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	_, err = db.Exec(`
		UPDATE auth_idempotency_keys SET expires_at = NOW() - INTERVAL '1 hour'
		WHERE idempotency_key = $1 AND restaurant_id = $2
	`, in.IdempotencyKey, in.RestaurantID)
	require.NoError(t, err)

	retry := *in
	second, err := svc.Authorize(ctx, &retry)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.AuthRequestID, second.AuthRequestID)
}

func TestVoidSurvivesConcurrentWorkerAppend(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db)
	ctx := context.Background()

	in := authorizeInput(uuid.New())
	out, err := svc.Authorize(ctx, in)
	require.NoError(t, err)

	// Worker appends AuthAttemptStarted concurrently with the void; the
	// void must land at the next free sequence, not fail.
	recorder := eventlog.NewRecorder(db, svc.store)
	workerDone := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 5; i++ {
			_, err = recorder.AttemptStarted(context.Background(), out.AuthRequestID,
				(&pb.AuthAttemptStarted{AuthRequestID: out.AuthRequestID.String(), AttemptNumber: 1}).Marshal(), nil)
			if !errors.Is(err, eventlog.ErrSequenceConflict) {
				break
			}
		}
		workerDone <- err
	}()

	_, err = svc.Void(ctx, &VoidInput{
		AuthRequestID: out.AuthRequestID,
		RestaurantID:  in.RestaurantID,
		Reason:        "changed_mind",
	})
	require.NoError(t, err)
	require.NoError(t, <-workerDone)

	events, err := svc.store.Load(ctx, out.AuthRequestID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	seen := map[string]bool{}
	for i, e := range events {
		assert.Equal(t, i+1, e.SequenceNumber)
		seen[e.EventType] = true
	}
	assert.True(t, seen[eventlog.TypeAuthVoidRequested])
	assert.True(t, seen[eventlog.TypeAuthAttemptStarted])
}

func TestCurrencyAllowList(t *testing.T) {
	for _, c := range []string{"USD", "EUR", "GBP", "JPY"} {
		assert.True(t, supportedCurrencies[c], c)
	}
	for _, c := range []string{"usd", "XAU", "BTC", ""} {
		assert.False(t, supportedCurrencies[c], fmt.Sprintf("%q must not be accepted verbatim", c))
	}
}
