package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tably/payments/internal/queue"
	"github.com/tably/payments/pb"
)

const (
	// DefaultConcurrency is the per-subscription handler parallelism.
	DefaultConcurrency = 4

	defaultDrainTimeout = 30 * time.Second
)

// Topics names the queues the consumer listens on.
type Topics struct {
	AuthRequestTopic string
	AuthRequestSub   string
	VoidTopic        string
	VoidSub          string
}

// Consumer wires the worker to the payment queues and owns the ack/nack
// policy for each Result.
type Consumer struct {
	worker       *Worker
	queue        *queue.Client
	topics       Topics
	concurrency  int
	drainTimeout time.Duration
	logger       *log.Logger
}

func NewConsumer(w *Worker, qc *queue.Client, topics Topics, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Consumer{
		worker:       w,
		queue:        qc,
		topics:       topics,
		concurrency:  concurrency,
		drainTimeout: defaultDrainTimeout,
		logger:       log.New(log.Writer(), "[CONSUMER] ", log.LstdFlags),
	}
}

// Run consumes both queues until ctx is canceled. Receive stops pulling on
// cancel and waits for in-flight handlers, which finish on detached contexts
// capped at the drain timeout, so shutdown never abandons a held lock
// mid-transaction.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Printf("🚀 Worker %s consuming (concurrency %d)", c.worker.id, c.concurrency)

	errCh := make(chan error, 2)
	go func() {
		errCh <- c.queue.Receive(ctx, c.topics.AuthRequestTopic, c.topics.AuthRequestSub, true, c.concurrency, c.handleAuth)
	}()
	go func() {
		errCh <- c.queue.Receive(ctx, c.topics.VoidTopic, c.topics.VoidSub, false, c.concurrency, c.handleVoid)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Printf("🛑 Worker %s stopped", c.worker.id)
	return firstErr
}

func (c *Consumer) handleAuth(ctx context.Context, m *pubsub.Message) {
	var msg pb.AuthRequestQueuedMessage
	if err := msg.Unmarshal(m.Data); err != nil {
		c.logger.Printf("❌ Dropping undecodable auth message %s: %v", m.ID, err)
		c.worker.metrics.RecordWorkerResult(string(ResultTerminalFailure))
		m.Ack()
		return
	}
	c.settle(m, c.dispatch(ctx, "authorize", func(pctx context.Context) (Result, error) {
		return c.worker.ProcessAuthRequest(pctx, &msg)
	}))
}

func (c *Consumer) handleVoid(ctx context.Context, m *pubsub.Message) {
	var msg pb.VoidRequestQueuedMessage
	if err := msg.Unmarshal(m.Data); err != nil {
		c.logger.Printf("❌ Dropping undecodable void message %s: %v", m.ID, err)
		c.worker.metrics.RecordWorkerResult(string(ResultTerminalFailure))
		m.Ack()
		return
	}
	c.settle(m, c.dispatch(ctx, "void", func(pctx context.Context) (Result, error) {
		return c.worker.ProcessVoidRequest(pctx, &msg)
	}))
}

// dispatch runs one handler on a context that survives shutdown for up to
// the drain timeout and records the outcome.
func (c *Consumer) dispatch(ctx context.Context, op string, fn func(context.Context) (Result, error)) Result {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.drainTimeout)
	defer cancel()

	c.worker.metrics.WorkerStarted()
	started := time.Now()
	res, err := fn(pctx)
	elapsed := time.Since(started)
	c.worker.metrics.WorkerFinished()
	c.worker.metrics.RecordWorkerResult(string(res))
	if c.worker.tracker != nil {
		c.worker.tracker.RecordAttempt(string(res), elapsed)
	}
	if err != nil {
		c.logger.Printf("⚠️ %s ended %s: %v", op, res, err)
	}
	return res
}

func (c *Consumer) settle(m *pubsub.Message, res Result) {
	if res.Ack() {
		m.Ack()
		return
	}
	m.Nack()
}
