package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/eventlog"
	"github.com/tably/payments/internal/processor"
	"github.com/tably/payments/pb"
)

// ProcessVoidRequest runs one delivery from the void queue. The ingress has
// already appended AuthVoidRequested and projected the state; this consumer
// only performs the processor-side cancellation once the request reaches
// VOIDED. The processor call is idempotent, so redeliveries are harmless.
func (w *Worker) ProcessVoidRequest(ctx context.Context, msg *pb.VoidRequestQueuedMessage) (Result, error) {
	id, err := uuid.Parse(msg.AuthRequestID)
	if err != nil {
		return ResultTerminalFailure, fmt.Errorf("dropping void message with bad auth_request_id %q: %w", msg.AuthRequestID, err)
	}

	st, err := w.store.GetState(ctx, id)
	if errors.Is(err, eventlog.ErrStateNotFound) {
		return ResultRetryableFailure, fmt.Errorf("no state for %s yet", id)
	}
	if err != nil {
		return ResultRetryableFailure, err
	}

	if !st.Status.Terminal() {
		// The auth consumer still owns this request; it will expire it or
		// resolve the void with the response. Come back later.
		return ResultRetryableFailure, nil
	}
	if st.Status != eventlog.StatusVoided {
		w.logger.Printf("♻️ Void for %s superseded by %s, nothing to cancel", id, st.Status)
		return ResultSuccess, nil
	}
	if st.ProcessorAuthID == "" {
		// Voided before any authorization was recorded; no hold exists at
		// the processor.
		w.emitVoided(st)
		return ResultSuccess, nil
	}

	cfg, err := w.restaurants.GetConfig(ctx, st.RestaurantID)
	if err != nil {
		return ResultRetryableFailure, fmt.Errorf("failed to load config for void of %s: %w", id, err)
	}
	proc, err := w.processorFor(cfg)
	if err != nil {
		return ResultTerminalFailure, fmt.Errorf("cannot build processor for void of %s: %w", id, err)
	}

	started := time.Now()
	res, err := w.guardedVoid(ctx, proc, &processor.VoidRequest{
		ProcessorAuthID: st.ProcessorAuthID,
		Reason:          msg.Reason,
	})
	if err != nil {
		w.metrics.RecordProcessorCall(proc.Name(), "error", time.Since(started).Seconds())
		if processor.IsRetryable(err) || ctx.Err() != nil {
			return ResultRetryableFailure, fmt.Errorf("processor void of %s failed: %w", id, err)
		}
		w.logger.Printf("❌ Processor refused void of %s: %v", st.ProcessorAuthID, err)
		return ResultTerminalFailure, err
	}
	w.metrics.RecordProcessorCall(proc.Name(), "voided", time.Since(started).Seconds())
	w.logger.Printf("🛑 Voided %s at %s (voided=%t)", id, proc.Name(), res.Voided)
	w.emitVoided(st)
	return ResultSuccess, nil
}

func (w *Worker) emitVoided(st *eventlog.AuthRequestState) {
	if w.notifier != nil {
		w.notifier.AuthEvent(EventVoided, st)
	}
}
