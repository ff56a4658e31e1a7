package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

// PanicErrorType is the application error type of an activity that panicked.
const PanicErrorType = "Panic"

// Registry maps activity names to handlers and runs single attempts.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]api.ActivityFunc
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]api.ActivityFunc)}
}

func (r *Registry) Register(name string, fn api.ActivityFunc) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: handler is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.byName[name] = fn
	return nil
}

// Names returns the registered activity names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) lookup(name string) (api.ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byName[name]
	return fn, ok
}

type invokeResult struct {
	out api.Payload
	err error
}

// Invoke runs one attempt of the named activity. A positive timeout bounds
// the attempt from start to close. Every failure is an *api.ActivityError:
// NotFound for unknown names, Timeout when the deadline passes, HandlerError
// otherwise.
//
// On timeout Invoke returns without waiting for the handler; the handler's
// context is cancelled and its late result is dropped.
func (r *Registry) Invoke(ctx context.Context, name string, args api.Payload, timeout time.Duration) (api.Payload, error) {
	fn, ok := r.lookup(name)
	if !ok {
		return api.Payload{}, api.NewActivityError(api.ErrorKindNotFound, name,
			fmt.Errorf("activity %q is not registered", name))
	}

	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: api.NewApplicationError(PanicErrorType, fmt.Sprint(p), nil)}
			}
		}()
		out, err := fn(ctx, args)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(res.err, context.DeadlineExceeded) {
			return api.Payload{}, timeoutError(name, timeout)
		}
		var ae *api.ActivityError
		if errors.As(res.err, &ae) {
			return api.Payload{}, ae
		}
		return api.Payload{}, api.NewActivityError(api.ErrorKindHandlerError, name, res.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return api.Payload{}, timeoutError(name, timeout)
		}
		return api.Payload{}, api.NewActivityError(api.ErrorKindHandlerError, name, ctx.Err())
	}
}

func timeoutError(name string, timeout time.Duration) *api.ActivityError {
	return api.NewActivityError(api.ErrorKindTimeout, name,
		fmt.Errorf("start-to-close timeout %s exceeded: %w", timeout, context.DeadlineExceeded))
}
