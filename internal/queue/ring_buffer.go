// Package queue provides a bounded ring buffer feeding the evaluation
// pipeline.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"auditcore/internal/schema"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when popping from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer of audit events. A full
// buffer rejects pushes rather than overwriting; the caller decides whether
// to back-pressure or drop.
type RingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer []*schema.AuditEvent
	size   int
	head   int
	tail   int
	count  int
	closed bool

	pushed  uint64
	popped  uint64
	dropped uint64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		buffer: make([]*schema.AuditEvent, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push enqueues an event. Returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(event *schema.AuditEvent) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.dropped++
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.pushed++
	rb.cond.Signal()
	return nil
}

// popLocked removes the head element. Caller holds the lock and has checked
// count > 0.
func (rb *RingBuffer) popLocked() *schema.AuditEvent {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.popped++
	return event
}

// Pop dequeues an event without blocking.
func (rb *RingBuffer) Pop() (*schema.AuditEvent, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking dequeues an event, waiting until one is available or the
// queue is closed.
func (rb *RingBuffer) PopBlocking() (*schema.AuditEvent, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// PopContext dequeues an event, waiting until one is available, the context
// is done, or the queue is closed.
func (rb *RingBuffer) PopContext(ctx context.Context) (*schema.AuditEvent, error) {
	// Wake blocked waiters when the context ends.
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed && ctx.Err() == nil {
		rb.cond.Wait()
	}
	if err := ctx.Err(); err != nil && rb.count == 0 {
		return nil, err
	}
	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// PopWithTimeout dequeues an event, waiting at most the given duration.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	event, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return event, err
}

// Len returns the current queue depth.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the queue capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue and wakes all waiting consumers. Remaining events
// may still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// QueueMetrics holds queue statistics.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return QueueMetrics{
		Pushed:   rb.pushed,
		Popped:   rb.popped,
		Dropped:  rb.dropped,
		Depth:    rb.count,
		Capacity: rb.size,
	}
}
