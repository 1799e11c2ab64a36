// Package pipeline provides the in-process processing queue and the
// idempotent consumer that drains it.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/loghive-io/loghive/internal/event"
)

// DefaultQueueCapacity bounds the processing queue. A full queue blocks
// admission, which is the system's backpressure mechanism.
const DefaultQueueCapacity = 10000

// Sentinel errors for queue operations.
var (
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded FIFO channel of validated events between the admission
// handlers (many concurrent producers) and the single consumer.
//
// Ordering within one admission call is preserved; ordering across calls is
// not guaranteed. Close must only be called once all producers have stopped,
// which the lifecycle guarantees by shutting the HTTP server and the Kafka
// source down first.
type Queue struct {
	ch     chan *event.Event
	closed atomic.Bool
}

// NewQueue creates a bounded queue. A non-positive capacity falls back to
// DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Queue{
		ch: make(chan *event.Event, capacity),
	}
}

// Enqueue adds an event to the queue, blocking while the queue is full.
// Returns ErrQueueClosed during shutdown and the context error when the
// caller gives up waiting.
func (q *Queue) Enqueue(ctx context.Context, e *event.Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the receive side of the queue to the consumer. The channel
// is closed by Close; range-ing over it terminates after the drain.
func (q *Queue) Events() <-chan *event.Event {
	return q.ch
}

// Len returns the number of events currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Capacity returns the queue's fixed capacity.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Close marks the queue closed and closes the underlying channel so the
// consumer can drain remaining events and exit. Safe to call multiple times;
// callers must ensure no producer is still enqueueing.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}
