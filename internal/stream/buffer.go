package stream

import (
	"context"
	"sync"
)

// Buffer is an unbounded FIFO with a terminal outcome. Send never blocks.
// Receive is meant for a single consumer goroutine; it keeps returning
// queued items after Close until the buffer is drained.
type Buffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	err    error

	// wake holds at most one token: a Send or Close since the consumer
	// last looked.
	wake chan struct{}

	enqueued  int64
	dequeued  int64
	highWater int
}

// NewBuffer creates a buffer with room for size items before it reallocates.
func NewBuffer[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{
		items: make([]T, 0, size),
		wake:  make(chan struct{}, 1),
	}
}

// Send queues item. It reports false once the buffer is closed.
func (b *Buffer[T]) Send(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, item)
	b.enqueued++
	if n := len(b.items) - b.head; n > b.highWater {
		b.highWater = n
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.mu.Unlock()
	return true
}

// Receive returns the oldest item, waiting for one if the buffer is empty.
// It reports false when the buffer is closed and drained, or ctx is done.
func (b *Buffer[T]) Receive(ctx context.Context) (T, bool) {
	for {
		b.mu.Lock()
		if b.head < len(b.items) {
			item := b.items[b.head]
			var zero T
			b.items[b.head] = zero
			b.head++
			b.dequeued++
			b.compact()
			b.mu.Unlock()
			return item, true
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Close stops accepting items and records err as the terminal outcome.
// Only the first Close counts.
func (b *Buffer[T]) Close(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	close(b.wake)
	b.mu.Unlock()
}

// Err returns the error passed to Close.
func (b *Buffer[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.head
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Queued:    len(b.items) - b.head,
		Enqueued:  b.enqueued,
		Dequeued:  b.dequeued,
		HighWater: b.highWater,
		Closed:    b.closed,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Queued    int
	Enqueued  int64
	Dequeued  int64
	HighWater int
	Closed    bool
}

// compact reclaims the consumed prefix once it is at least half the slice.
// Must be called with mu held.
func (b *Buffer[T]) compact() {
	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
		return
	}
	if b.head*2 < len(b.items) {
		return
	}
	n := copy(b.items, b.items[b.head:])
	clear(b.items[n:])
	b.items = b.items[:n]
	b.head = 0
}
