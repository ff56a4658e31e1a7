package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petrijr/hookflow/internal/taskqueue"
	"github.com/petrijr/hookflow/pkg/api"
)

// Request asks for one scheduled activity to be run to completion.
type Request struct {
	Run  api.RunInfo
	Seq  int64
	Name string
	Args api.Payload
	// Options must carry a valid retry policy; a zero policy selects
	// api.DefaultRetryPolicy.
	Options api.ActivityOptions
}

func (r Request) key() string {
	return fmt.Sprintf("%s/%d", r.Run.RunID, r.Seq)
}

// Result is the final outcome of a Request after retries.
type Result struct {
	Payload  api.Payload
	Err      *api.ActivityError
	Attempts int
	// Canceled is set when the executor shut down before an outcome was
	// reached. Nothing should be recorded for a canceled result.
	Canceled bool
}

// Executor runs requests as a series of attempts on the task queue and
// applies the retry policy between attempts. Requests are deduplicated by
// (run id, seq): a second request for an in-flight activity waits for the
// first one's result instead of starting another execution.
type Executor struct {
	queue taskqueue.Queue
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]int
}

func NewExecutor(queue taskqueue.Queue) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		queue:    queue,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]int),
	}
}

// Execute starts req, or attaches to its running execution, and returns a
// channel that receives exactly one Result. The execution lives until it
// reaches an outcome or the executor is closed.
func (x *Executor) Execute(req Request) <-chan Result {
	out := make(chan Result, 1)

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		out <- Result{Canceled: true}
		return out
	}
	key := req.key()
	x.inflight[key]++
	x.wg.Add(1)
	x.mu.Unlock()

	go func() {
		defer x.wg.Done()
		defer x.release(key)

		v, _, _ := x.group.Do(key, func() (any, error) {
			return x.run(req), nil
		})
		out <- v.(Result)
	}()
	return out
}

func (x *Executor) release(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.inflight[key]--; x.inflight[key] <= 0 {
		delete(x.inflight, key)
	}
}

// Inflight reports whether an execution for (runID, seq) is in progress.
func (x *Executor) Inflight(runID string, seq int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inflight[Request{Run: api.RunInfo{RunID: runID}, Seq: seq}.key()] > 0
}

func (x *Executor) run(req Request) Result {
	policy := req.Options.RetryPolicy
	if policy.IsZero() {
		policy = api.DefaultRetryPolicy()
	}

	for attempt := 1; ; attempt++ {
		reply := make(chan taskqueue.Result, 1)
		task := taskqueue.Task{
			ID:         fmt.Sprintf("%s/%d", req.key(), attempt),
			Run:        req.Run,
			Seq:        req.Seq,
			Name:       req.Name,
			Args:       req.Args,
			Attempt:    attempt,
			Timeout:    req.Options.StartToCloseTimeout,
			Status:     taskqueue.StatusPending,
			EnqueuedAt: time.Now(),
			Reply:      reply,
		}
		if err := x.queue.Enqueue(x.ctx, task); err != nil {
			return Result{Attempts: attempt - 1, Canceled: true}
		}

		var res taskqueue.Result
		select {
		case res = <-reply:
		case <-x.ctx.Done():
			return Result{Attempts: attempt, Canceled: true}
		}
		if res.Err == nil {
			return Result{Payload: res.Payload, Attempts: attempt}
		}

		aerr := toActivityError(req.Name, res.Err)
		aerr.Attempts = attempt

		delay, retry := policy.NextDelay(attempt, aerr)
		if !retry {
			return Result{Err: aerr, Attempts: attempt}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-x.ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt, Canceled: true}
		}
	}
}

func toActivityError(name string, err error) *api.ActivityError {
	var ae *api.ActivityError
	if errors.As(err, &ae) {
		cp := *ae
		return &cp
	}
	return api.NewActivityError(api.ErrorKindHandlerError, name, err)
}

// Close cancels backoff waits and pending attempts, then waits for every
// Execute goroutine to finish. Results delivered after Close are canceled.
func (x *Executor) Close() {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()

	x.cancel()
	x.wg.Wait()
}
