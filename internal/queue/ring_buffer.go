// Package queue provides a bounded in-memory buffer between event intake and
// the engine workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"response-engine/internal/schema"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when no envelope is available.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when the queue is closed and drained.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a fixed-capacity FIFO of envelopes. Push never blocks; a
// full buffer rejects the envelope so intake can apply backpressure.
type RingBuffer struct {
	buffer []*schema.Envelope
	size   int
	head   int
	count  int
	closed bool
	mu     sync.Mutex

	// ready is closed and replaced whenever the buffer gains an envelope or
	// is closed, waking every waiting consumer.
	ready chan struct{}

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	return &RingBuffer{
		buffer: make([]*schema.Envelope, size),
		size:   size,
		ready:  make(chan struct{}),
	}
}

func (rb *RingBuffer) wake() {
	close(rb.ready)
	rb.ready = make(chan struct{})
}

// Push appends an envelope. It returns ErrQueueFull at capacity and
// ErrQueueClosed after Close.
func (rb *RingBuffer) Push(env *schema.Envelope) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[(rb.head+rb.count)%rb.size] = env
	rb.count++
	rb.totalPushed.Add(1)
	rb.wake()
	return nil
}

// TryPop removes the oldest envelope without waiting.
func (rb *RingBuffer) TryPop() (*schema.Envelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.popLocked()
}

func (rb *RingBuffer) popLocked() (*schema.Envelope, error) {
	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	env := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return env, nil
}

// Pop waits until an envelope is available, the queue is closed and
// drained, or ctx is done. A closed queue still yields its remaining
// envelopes.
func (rb *RingBuffer) Pop(ctx context.Context) (*schema.Envelope, error) {
	for {
		rb.mu.Lock()
		env, err := rb.popLocked()
		ready := rb.ready
		rb.mu.Unlock()

		if !errors.Is(err, ErrQueueEmpty) {
			return env, err
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PopWithTimeout is Pop bounded by timeout. It returns ErrQueueEmpty when the
// timeout expires first.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env, err := rb.Pop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return env, err
}

// Len returns the number of buffered envelopes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close stops accepting envelopes and wakes waiting consumers. It is safe to
// call more than once.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.wake()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
