package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

// ErrClosed is returned by Enqueue and Dequeue once the queue is closed.
var ErrClosed = errors.New("taskqueue: closed")

// Status is the lifecycle of a single activity attempt.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Task is one attempt of an activity, owned by the executor until a worker
// picks it up. The worker reports the outcome on Reply.
type Task struct {
	ID string

	// Run and Seq identify the ActivityScheduled event the task belongs to.
	Run api.RunInfo
	Seq int64

	Name    string
	Args    api.Payload
	Attempt int

	// Timeout is the start-to-close timeout of this attempt.
	Timeout time.Duration

	Status     Status
	EnqueuedAt time.Time

	// Reply must be buffered; workers never block on it.
	Reply chan<- Result
}

// Result is the outcome of one attempt.
type Result struct {
	Payload  api.Payload
	Err      error
	Duration time.Duration
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available,
	// the queue is closed, or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int

	// Close wakes all blocked callers. Tasks still queued are dropped.
	Close()
}
