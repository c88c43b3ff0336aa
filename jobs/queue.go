package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Take after Close once the queue has drained.
var ErrQueueClosed = errors.New("job queue closed")

// Queue is a bounded, thread-safe FIFO of jobs awaiting dispatch. Ordering is
// first-in first-out across all producers; multiple consumers race fairly for
// takes.
type Queue struct {
	ch chan *Job

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue with the given capacity. Capacities below one are
// clamped to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Job, capacity)}
}

// Offer appends job without blocking. It returns false when the queue is full
// or closed.
func (q *Queue) Offer(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Take blocks until a job is available, the context is cancelled, or the
// queue is closed and drained.
func (q *Queue) Take(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close marks the queue closed and wakes all blocked takers once pending jobs
// drain. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
