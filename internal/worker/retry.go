package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/pb"
)

const (
	retryBaseDelay = 10 * time.Second
	retryMaxDelay  = 10 * time.Minute
)

// retryState summarizes the retryable-failure history of one aggregate. The
// count drives the attempt number and the max-retry cutoff; the deadline
// enforces the backoff when the queue redelivers early.
type retryState struct {
	count       int
	nextRetryAt time.Time
}

func (r retryState) due() bool {
	return r.nextRetryAt.IsZero() || !time.Now().Before(r.nextRetryAt)
}

// loadRetryState folds the aggregate's event history. The event log is the
// source of truth here, not the read model, so a crashed worker that
// appended but never nacked still counts its attempt.
func (w *Worker) loadRetryState(ctx context.Context, id uuid.UUID) (retryState, error) {
	events, err := w.store.Load(ctx, id)
	if err != nil {
		return retryState{}, err
	}

	var rs retryState
	for _, e := range events {
		if e.EventType != eventlog.TypeAuthAttemptFailed {
			continue
		}
		var failed pb.AuthAttemptFailed
		if err := failed.Unmarshal(e.EventData); err != nil {
			return retryState{}, fmt.Errorf("failed to decode attempt failure at seq %d: %w", e.SequenceNumber, err)
		}
		if !failed.IsRetryable {
			continue
		}
		rs.count++
		if failed.NextRetryAt > 0 {
			rs.nextRetryAt = time.Unix(failed.NextRetryAt, 0)
		}
	}
	return rs, nil
}

// retryDelay is exponential from 10s doubling per attempt, capped at 10m,
// with up to +25% jitter so colliding redeliveries spread out.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt && d < retryMaxDelay; i++ {
		d *= 2
	}
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + time.Duration(rand.Float64()*0.25*float64(d))
}
