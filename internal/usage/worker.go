// Package usage moves cost accounting off the request path: the gateway
// enqueues usage events and a Worker applies them to the CostGovernor in
// batches, retrying and dead-lettering failures.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/gateway"
	"github.com/gonzaloobispo/Bioengine-v3/internal/governor"
	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/queue"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

const (
	outcomeProcessed    = "processed"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
)

// ErrNoDeadLetterQueue is returned by the DLQ accessors when none is configured
var ErrNoDeadLetterQueue = errors.New("dead letter queue not configured")

// Event is one completed provider call to account for
type Event struct {
	ProviderID string    `json:"provider_id"`
	CostUSD    float64   `json:"cost_usd"`
	Timestamp  time.Time `json:"timestamp"`
}

// Worker implements gateway.UsageRecorder by queueing events and applying
// them to sink from a background goroutine.
type Worker struct {
	queue   queue.Queue[Event]
	dlq     queue.DeadLetterQueue[Event]
	sink    gateway.UsageRecorder
	config  *queue.Config
	logger  *utils.Logger
	metrics *metrics.Metrics

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the worker logger
func WithLogger(l *utils.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records processed and dead-lettered events
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a worker; dlq may be nil, in which case failed events
// are logged and dropped.
func NewWorker(q queue.Queue[Event], dlq queue.DeadLetterQueue[Event], sink gateway.UsageRecorder, config *queue.Config, opts ...Option) *Worker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	w := &Worker{
		queue:       q,
		dlq:         dlq,
		sink:        sink,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// LogUsage enqueues a usage event. Invalid costs are rejected here, since
// they would only fail again in the worker.
func (w *Worker) LogUsage(ctx context.Context, providerID string, costUSD float64) error {
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		return governor.ErrInvalidCost
	}
	return w.queue.Enqueue(ctx, Event{
		ProviderID: providerID,
		CostUSD:    costUSD,
		Timestamp:  time.Now().UTC(),
	})
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the queue, waits for the buffered events to be applied and
// returns once the worker goroutine has exited.
func (w *Worker) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	err := w.queue.Close()
	<-w.stoppedChan
	return err
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.drain(context.WithoutCancel(ctx))
			w.logger.Info("Usage worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return
		}
		w.logger.Error("Failed to dequeue usage events", "error", err)
		w.sleep(ctx, time.Second)
		return
	}
	w.applyAll(ctx, items)
}

// drain applies whatever the queue still hands out after Close
func (w *Worker) drain(ctx context.Context) {
	for {
		items, err := w.queue.Dequeue(ctx, w.config.BatchSize)
		if err != nil {
			return
		}
		w.applyAll(ctx, items)
	}
}

func (w *Worker) applyAll(ctx context.Context, items []Event) {
	if len(items) == 0 {
		return
	}
	w.logger.Debug("Processing usage batch", "count", len(items))
	for _, ev := range items {
		if err := w.apply(ctx, ev); err != nil {
			w.logger.Error("Failed to apply usage event", "provider", ev.ProviderID, "error", err)
		}
	}
}

// apply hands one event to the sink, retrying with exponential backoff
func (w *Worker) apply(ctx context.Context, ev Event) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			w.metrics.ObserveQueueOutcome(outcomeRetried)
			if !w.sleep(ctx, backoff) {
				break
			}
		}
		attempts++

		err := w.sink.LogUsage(ctx, ev.ProviderID, ev.CostUSD)
		if err == nil {
			w.metrics.ObserveQueueOutcome(outcomeProcessed)
			return nil
		}
		lastErr = err
		if permanent(err) {
			break
		}
	}

	w.metrics.ObserveQueueOutcome(outcomeDeadLettered)
	if w.dlq != nil {
		if err := w.dlq.Add(ctx, ev, lastErr, attempts); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage event moved to DLQ", "provider", ev.ProviderID, "error", lastErr)
		}
	}
	return fmt.Errorf("usage event not applied after %d attempts: %w", attempts, lastErr)
}

// permanent errors fail the same way on every retry
func permanent(err error) bool {
	return errors.Is(err, governor.ErrInvalidCost) || errors.Is(err, storage.ErrUsageRecordNotFound)
}

// sleep waits for d and reports false if the worker is stopping
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// QueueLength returns the number of events waiting
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// DeadLetterItems lists failed events
func (w *Worker) DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[Event], error) {
	if w.dlq == nil {
		return nil, ErrNoDeadLetterQueue
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem puts a failed event back on the queue
func (w *Worker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return ErrNoDeadLetterQueue
	}
	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}
	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}
	return queue.ErrItemNotFound
}
