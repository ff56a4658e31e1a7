package worker

import (
	"context"
	"time"

	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/internal/taskqueue"
	"github.com/petrijr/hookflow/pkg/api"
)

// Invoker runs a named activity once.
type Invoker interface {
	Invoke(ctx context.Context, name string, args api.Payload, timeout time.Duration) (api.Payload, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, args api.Payload, timeout time.Duration) (api.Payload, error)

func (f InvokerFunc) Invoke(ctx context.Context, name string, args api.Payload, timeout time.Duration) (api.Payload, error) {
	return f(ctx, name, args, timeout)
}

// Worker pulls tasks from a Queue and executes them using an Invoker.
type Worker struct {
	invoker  Invoker
	queue    taskqueue.Queue
	observer api.Observer
}

// Option configures a Worker.
type Option func(*Worker)

// WithObserver reports activity start and completion to obs.
func WithObserver(obs api.Observer) Option {
	return func(w *Worker) {
		if obs != nil {
			w.observer = obs
		}
	}
}

// New creates a new Worker.
func New(invoker Invoker, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		invoker:  invoker,
		queue:    queue,
		observer: api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessOne pulls a single task from the queue and runs it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (context cancellation or taskqueue.ErrClosed).
//   - processed == true: a task ran; err is the activity's error, which has
//     already been delivered on the task's reply channel.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	task.Status = taskqueue.StatusExecuting

	actx := logging.WithIDs(ctx, task.Run.WorkflowID, task.Run.RunID)
	actx = logging.WithActivity(actx, task.Name)

	w.observer.OnActivityStart(actx, task.Run, task.Name, task.Attempt)
	start := time.Now()
	out, runErr := w.invoker.Invoke(actx, task.Name, task.Args, task.Timeout)
	elapsed := time.Since(start)
	w.observer.OnActivityCompleted(actx, task.Run, task.Name, task.Attempt, runErr, elapsed)

	if runErr != nil {
		task.Status = taskqueue.StatusFailed
	} else {
		task.Status = taskqueue.StatusSucceeded
	}
	if task.Reply != nil {
		select {
		case task.Reply <- taskqueue.Result{Payload: out, Err: runErr, Duration: elapsed}:
		default:
		}
	}
	return true, runErr
}
