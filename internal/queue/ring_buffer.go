// Package queue provides a bounded, thread-safe ring buffer for work items.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue: full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue: empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue: closed")
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64

// RingBuffer is a bounded FIFO of T. Push never blocks; Pop variants do.
type RingBuffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	count  int
	closed bool
	ready  chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}),
	}
}

// wake releases every waiter. Callers hold mu.
func (rb *RingBuffer[T]) wake() {
	close(rb.ready)
	rb.ready = make(chan struct{})
}

// Push appends item, returning ErrQueueFull at capacity.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == len(rb.items) {
		rb.dropped.Add(1)
		return ErrQueueFull
	}
	rb.items[(rb.head+rb.count)%len(rb.items)] = item
	rb.count++
	rb.pushed.Add(1)
	rb.wake()
	return nil
}

// popLocked removes the head item. Callers hold mu and ensure count > 0.
func (rb *RingBuffer[T]) popLocked() T {
	var zero T
	item := rb.items[rb.head]
	rb.items[rb.head] = zero
	rb.head = (rb.head + 1) % len(rb.items)
	rb.count--
	rb.popped.Add(1)
	return item
}

// Pop removes the head item without blocking.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		if rb.closed {
			return zero, ErrQueueClosed
		}
		return zero, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopContext blocks until an item is available, the queue is closed and
// drained, or ctx is done.
func (rb *RingBuffer[T]) PopContext(ctx context.Context) (T, error) {
	for {
		rb.mu.Lock()
		if rb.count > 0 {
			item := rb.popLocked()
			rb.mu.Unlock()
			return item, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			var zero T
			return zero, ErrQueueClosed
		}
		ready := rb.ready
		rb.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.items)
}

// Close rejects further pushes and wakes blocked consumers. Items already
// queued can still be popped.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.wake()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
