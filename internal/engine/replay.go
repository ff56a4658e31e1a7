package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/pkg/api"
)

// history is a run's event log arranged for replay.
type history struct {
	started   api.Event
	scheduled []api.Event
	outcomes  map[int64]api.Event
	signals   map[string][]api.Event
	lastSeq   int64
}

func newHistory(events []api.Event) (*history, error) {
	if len(events) == 0 || events[0].Type != api.EventRunStarted {
		return nil, errors.New("hookflow: history does not begin with run.started")
	}
	h := &history{
		started:  events[0],
		outcomes: make(map[int64]api.Event),
		signals:  make(map[string][]api.Event),
	}
	for _, ev := range events {
		h.add(ev)
	}
	return h, nil
}

func (h *history) add(ev api.Event) {
	h.lastSeq = ev.Seq
	switch ev.Type {
	case api.EventActivityScheduled:
		h.scheduled = append(h.scheduled, ev)
	case api.EventActivityCompleted, api.EventActivityFailed:
		h.outcomes[ev.ScheduledSeq] = ev
	case api.EventSignalReceived:
		h.signals[ev.SignalName] = append(h.signals[ev.SignalName], ev)
	}
}

func (h *history) hasOutcome(scheduledSeq int64) bool {
	_, ok := h.outcomes[scheduledSeq]
	return ok
}

// pending returns scheduled activities that have no outcome yet.
func (h *history) pending() []api.Event {
	var out []api.Event
	for _, s := range h.scheduled {
		if !h.hasOutcome(s.Seq) {
			out = append(out, s)
		}
	}
	return out
}

// decision is the result of replaying a history once.
type decision struct {
	// schedule is a new ActivityScheduled event to append, if any.
	schedule *api.Event
	// close is the terminal event to append, if the run finished.
	close *api.Event
	// closeErr is the run's failure as reported to observers.
	closeErr error
}

// errNondeterminism marks a replay that diverged from recorded history.
var errNondeterminism = errors.New("hookflow: nondeterministic workflow")

// workflowContext implements api.WorkflowContext for one replay.
type workflowContext struct {
	ctx    context.Context
	run    api.RunInfo
	hist   *history
	logger *slog.Logger

	defaultTimeout time.Duration
	defaultPolicy  api.RetryPolicy

	cursor       int
	signalCursor map[string]int
	suspended    bool
	schedule     *api.Event
	diverged     error
}

var _ api.WorkflowContext = (*workflowContext)(nil)

var discardLogger = slog.New(slog.DiscardHandler)

func (w *workflowContext) Context() context.Context { return w.ctx }
func (w *workflowContext) WorkflowID() string       { return w.run.WorkflowID }
func (w *workflowContext) RunID() string            { return w.run.RunID }

func (w *workflowContext) IsReplaying() bool {
	return w.cursor < len(w.hist.scheduled)
}

func (w *workflowContext) Logger() *slog.Logger {
	if w.IsReplaying() {
		return discardLogger
	}
	return w.logger
}

func (w *workflowContext) ExecuteActivity(name string, args any, opts api.ActivityOptions, result any) error {
	if w.diverged != nil {
		return w.diverged
	}
	if w.suspended {
		return api.ErrSuspended
	}

	in, err := api.NewPayload(args)
	if err != nil {
		return fmt.Errorf("hookflow: encode args of %s: %w", name, err)
	}

	if w.cursor < len(w.hist.scheduled) {
		sch := w.hist.scheduled[w.cursor]
		w.cursor++
		if sch.ActivityName != name || !sch.Args.Equal(in) {
			w.diverged = fmt.Errorf("%w: call %d is %s(%s), history has %s(%s)",
				errNondeterminism, w.cursor, name, in, sch.ActivityName, sch.Args)
			return w.diverged
		}
		out, ok := w.hist.outcomes[sch.Seq]
		if !ok {
			w.suspended = true
			return api.ErrSuspended
		}
		if out.Type == api.EventActivityFailed {
			return &api.ActivityError{
				Kind:     out.ErrorKind,
				Type:     out.ErrorType,
				Name:     name,
				Message:  out.Message,
				Attempts: out.Attempts,
			}
		}
		if result != nil {
			if err := out.Result.Decode(result); err != nil {
				return fmt.Errorf("hookflow: decode result of %s: %w", name, err)
			}
		}
		return nil
	}

	resolved, err := w.resolveOptions(opts)
	if err != nil {
		return err
	}
	w.schedule = &api.Event{
		Type:         api.EventActivityScheduled,
		ActivityName: name,
		Args:         in,
		Options:      &resolved,
	}
	w.suspended = true
	w.logger.Debug("activity_scheduled", slog.String("activity", name))
	return api.ErrSuspended
}

func (w *workflowContext) resolveOptions(opts api.ActivityOptions) (api.ActivityOptions, error) {
	if opts.StartToCloseTimeout <= 0 {
		opts.StartToCloseTimeout = w.defaultTimeout
	}
	if opts.RetryPolicy.IsZero() {
		opts.RetryPolicy = w.defaultPolicy
	}
	if err := opts.RetryPolicy.Validate(); err != nil {
		return api.ActivityOptions{}, err
	}
	return opts, nil
}

func (w *workflowContext) AwaitSignal(name string, out any) error {
	if w.diverged != nil {
		return w.diverged
	}
	if w.suspended {
		return api.ErrSuspended
	}
	i := w.signalCursor[name]
	received := w.hist.signals[name]
	if i >= len(received) {
		w.suspended = true
		return api.ErrSuspended
	}
	w.signalCursor[name] = i + 1
	if out != nil {
		if err := received[i].Payload.Decode(out); err != nil {
			return fmt.Errorf("hookflow: decode signal %s: %w", name, err)
		}
	}
	return nil
}

// decide replays h through fn and reports what the run does next. It has no
// side effects besides what fn does, so replaying the same history twice
// yields the same decision.
func (e *Engine) decide(ctx context.Context, run api.RunInfo, fn api.WorkflowFunc, h *history) decision {
	ctx = logging.WithIDs(ctx, run.WorkflowID, run.RunID)
	wctx := &workflowContext{
		ctx:            ctx,
		run:            run,
		hist:           h,
		logger:         logging.LogWith(ctx, e.logger).With(slog.String("workflow_type", run.WorkflowType)),
		defaultTimeout: e.cfg.DefaultActivityTimeout,
		defaultPolicy:  e.cfg.DefaultRetryPolicy,
		signalCursor:   make(map[string]int),
	}

	result, panicked, err := callWorkflow(fn, wctx, h.started.Input)

	switch {
	case panicked != nil:
		return failed(api.ErrorKindPanic, "", fmt.Sprint(panicked))
	case wctx.diverged != nil:
		return failed(api.ErrorKindNondeterminism, "", wctx.diverged.Error())
	case wctx.suspended:
		return decision{schedule: wctx.schedule}
	case wctx.cursor < len(h.scheduled):
		return failed(api.ErrorKindNondeterminism, "", fmt.Sprintf(
			"workflow returned before reaching scheduled activity %s (seq %d)",
			h.scheduled[wctx.cursor].ActivityName, h.scheduled[wctx.cursor].Seq))
	case err != nil:
		var ae *api.ActivityError
		if errors.As(err, &ae) {
			return failed(ae.Kind, ae.Type, err.Error())
		}
		var appErr *api.ApplicationError
		if errors.As(err, &appErr) {
			return failed(api.ErrorKindWorkflowError, appErr.Type, err.Error())
		}
		return failed(api.ErrorKindWorkflowError, "", err.Error())
	}
	return decision{close: &api.Event{Type: api.EventRunCompleted, Result: result}}
}

func failed(kind api.ErrorKind, typ, msg string) decision {
	return decision{
		close: &api.Event{
			Type:      api.EventRunFailed,
			ErrorKind: kind,
			ErrorType: typ,
			Message:   msg,
		},
		closeErr: &api.WorkflowError{Kind: kind, Type: typ, Message: msg},
	}
}

func callWorkflow(fn api.WorkflowFunc, wctx api.WorkflowContext, input api.Payload) (out api.Payload, panicked any, err error) {
	defer func() {
		if p := recover(); p != nil {
			panicked = p
		}
	}()
	out, err = fn(wctx, input)
	return out, nil, err
}
