package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/hookflow/internal/taskqueue"
)

// DefaultPoolSize is the number of concurrent activity slots when none is
// configured.
const DefaultPoolSize = 5

// Pool runs a fixed number of goroutines that continuously call
// Worker.ProcessOne until Stop.
type Pool struct {
	worker *Worker
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool of size goroutines sharing w. A non-positive size
// selects DefaultPoolSize.
func NewPool(w *Worker, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{worker: w, size: size, logger: logger}
}

// Size returns the number of worker goroutines.
func (p *Pool) Size() int { return p.size }

// Start launches the worker goroutines. Calling Start twice without Stop
// returns an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("worker: pool already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.size)
	for range p.size {
		go func() {
			defer p.wg.Done()
			p.loop(ctx)
		}()
	}
	return nil
}

func (p *Pool) loop(ctx context.Context) {
	for {
		processed, err := p.worker.ProcessOne(ctx)
		if processed {
			// Activity errors are reported on the task's reply channel.
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, taskqueue.ErrClosed) {
			return
		}
		p.logger.Error("worker_dequeue_failed", slog.Any("error", err))
	}
}

// Stop cancels all worker goroutines and waits for them to exit. Activities
// in progress see their context cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
