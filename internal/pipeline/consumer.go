package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loghive-io/loghive/internal/event"
)

// ErrDrainTimeout is returned when the queue fails to drain within the
// shutdown grace period.
var ErrDrainTimeout = errors.New("queue drain timed out")

// Consumer is the single-writer worker that drains the queue, performs the
// dedup check, and commits persistence plus counter updates.
//
// Being single-threaded is deliberate: the database remains the serialization
// point, but the worker never competes with itself. Concurrent publishers
// colliding on the same fingerprint are resolved by the dedup store's
// uniqueness constraint.
type Consumer struct {
	queue  *Queue
	store  event.Store
	logger *slog.Logger
	done   chan struct{}
}

// NewConsumer creates a consumer over the given queue and store.
func NewConsumer(queue *Queue, store event.Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:  queue,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. The context bounds individual storage
// calls; the loop itself exits when the queue is closed and drained, so
// accepted events are not lost on graceful shutdown.
func (c *Consumer) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("consumer started")

	for e := range c.queue.Events() {
		c.process(ctx, e)
	}

	c.logger.Info("consumer drained and stopped")
}

// process handles a single event. Every iteration is isolated: a failure or
// panic processing one event must not terminate the loop.
func (c *Consumer) process(ctx context.Context, e *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic processing event",
				slog.String("topic", e.Topic),
				slog.String("event_id", e.EventID),
				slog.Any("panic", r),
			)
		}
	}()

	already, err := c.store.IsProcessed(ctx, e.Topic, e.EventID)
	if err != nil {
		// The event stays uncredited; received > unique + duplicate records the loss.
		c.logger.Error("dedup check failed, event dropped",
			slog.String("topic", e.Topic),
			slog.String("event_id", e.EventID),
			slog.String("error", err.Error()),
		)

		return
	}

	if already {
		c.creditDuplicate(ctx, e)

		return
	}

	persisted, err := c.store.MarkProcessed(ctx, e)
	if err != nil {
		c.logger.Error("failed to persist event, dropped",
			slog.String("topic", e.Topic),
			slog.String("event_id", e.EventID),
			slog.String("error", err.Error()),
		)

		return
	}

	if !persisted {
		// Race path: an external writer inserted the fingerprint between the
		// check and the insert. Still a duplicate, not an error.
		c.creditDuplicate(ctx, e)

		return
	}

	if err := c.store.IncrementStats(ctx, 0, 1, 0); err != nil {
		c.logger.Error("failed to increment unique counter",
			slog.String("topic", e.Topic),
			slog.String("event_id", e.EventID),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Debug("event persisted",
		slog.String("topic", e.Topic),
		slog.String("event_id", e.EventID),
	)
}

func (c *Consumer) creditDuplicate(ctx context.Context, e *event.Event) {
	if err := c.store.IncrementStats(ctx, 0, 0, 1); err != nil {
		c.logger.Error("failed to increment duplicate counter",
			slog.String("topic", e.Topic),
			slog.String("event_id", e.EventID),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Info("duplicate event dropped",
		slog.String("topic", e.Topic),
		slog.String("event_id", e.EventID),
	)
}

// Wait blocks until the consumer has drained the queue and exited, or the
// timeout elapses. Callers close the queue first, then Wait.
func (c *Consumer) Wait(timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return ErrDrainTimeout
	}
}
