package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned when operations are attempted on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is a FIFO of at most maxSize items, safe for concurrent use.
type Queue[T any] struct {
	items   []T
	maxSize int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	closed bool
	stats  Stats
}

// Stats tracks queue usage.
type Stats struct {
	TotalEnqueued int64
	TotalDequeued int64
	CurrentSize   int
	PeakSize      int
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// New creates a queue holding at most maxSize items. Sizes below one are
// raised to one.
func New[T any](maxSize int) *Queue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	q := &Queue[T]{
		items:   make([]T, 0, maxSize),
		maxSize: maxSize,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// wakeOnDone broadcasts both conditions when ctx is done so that waiters
// can observe the cancellation. The returned func releases the hook.
func (q *Queue[T]) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	})
}

// Enqueue appends item, blocking while the queue is full. It returns
// ErrQueueClosed once the queue is closed and ctx.Err() when ctx is done.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.maxSize && !q.closed && ctx.Err() == nil {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.items = append(q.items, item)
	q.stats.TotalEnqueued++
	q.stats.LastEnqueue = time.Now()
	if len(q.items) > q.stats.PeakSize {
		q.stats.PeakSize = len(q.items)
	}

	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the oldest item, blocking while the queue is
// empty. A closed queue returns ErrQueueClosed even if items remain.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if q.closed {
		return zero, ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.stats.TotalDequeued++
	q.stats.LastDequeue = time.Now()

	q.notFull.Signal()
	return item, nil
}

// Size returns the current number of items in the queue.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Cap returns the maximum number of items.
func (q *Queue[T]) Cap() int {
	return q.maxSize
}

// Stats returns current queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.CurrentSize = len(q.items)
	return stats
}

// Close wakes every blocked caller and makes further operations fail.
// Closing twice is a no-op.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.items = nil

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	return nil
}
