package taskqueue

import (
	"context"
	"sync"
)

// InMemoryQueue is a Queue implementation backed by a buffered channel.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch        chan Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryQueue creates a new queue with the given capacity.
// A non-positive capacity selects 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:   make(chan Task, capacity),
		done: make(chan struct{}),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	select {
	case q.ch <- t:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}
	select {
	case t := <-q.ch:
		return &t, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

func (q *InMemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
