package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/hookflow/internal/activity"
	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/internal/persistence"
	"github.com/petrijr/hookflow/pkg/api"
)

// advance runs one decide-and-append cycle for runID under the run's lock.
// outcome, if not nil, is an activity outcome recorded before replaying.
// A lost compare-and-append is retried once from a fresh read.
func (e *Engine) advance(ctx context.Context, runID string, outcome *api.Event) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	err := e.advanceOnce(ctx, runID, outcome)
	if errors.Is(err, persistence.ErrConcurrentAppend) {
		err = e.advanceOnce(ctx, runID, outcome)
	}
	if err != nil {
		return fmt.Errorf("hookflow: advance run %s: %w", runID, err)
	}
	return nil
}

func (e *Engine) advanceOnce(ctx context.Context, runID string, outcome *api.Event) error {
	rec, err := e.log.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run := rec.Info()
	if rec.Status.IsTerminal() {
		if outcome != nil {
			e.logger.DebugContext(logging.WithIDs(ctx, run.WorkflowID, run.RunID), "activity_result_discarded",
				slog.String("activity", outcome.ActivityName),
				slog.String("status", string(rec.Status)),
			)
		}
		return nil
	}

	events, err := persistence.ReadAll(ctx, e.log, runID)
	if err != nil {
		return err
	}
	h, err := newHistory(events)
	if err != nil {
		return err
	}

	if outcome != nil && !h.hasOutcome(outcome.ScheduledSeq) {
		ev := *outcome
		seq, err := e.log.Append(ctx, runID, h.lastSeq, ev)
		if errors.Is(err, persistence.ErrRunClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		ev.Seq = seq
		h.add(ev)
	}

	fn, ok := e.workflow(run.WorkflowType)
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, run.WorkflowType)
	}

	d := e.decide(ctx, run, fn, h)
	switch {
	case d.close != nil:
		if _, err := e.log.Append(ctx, runID, h.lastSeq, *d.close); err != nil {
			if errors.Is(err, persistence.ErrRunClosed) {
				return nil
			}
			return err
		}
		octx := logging.WithIDs(ctx, run.WorkflowID, run.RunID)
		if d.close.Type == api.EventRunCompleted {
			e.observer.OnRunCompleted(octx, run)
		} else {
			e.observer.OnRunFailed(octx, run, d.closeErr)
		}
		return nil

	case d.schedule != nil:
		ev := *d.schedule
		seq, err := e.log.Append(ctx, runID, h.lastSeq, ev)
		if err != nil {
			if errors.Is(err, persistence.ErrRunClosed) {
				return nil
			}
			return err
		}
		ev.Seq = seq
		h.add(ev)
	}

	for _, sch := range h.pending() {
		e.dispatch(run, sch)
	}
	return nil
}

func dispatchKey(runID string, seq int64) string {
	return fmt.Sprintf("%s/%d", runID, seq)
}

// dispatch hands a scheduled activity to the executor unless this process
// already awaits its outcome. The outcome is fed back through advance.
func (e *Engine) dispatch(run api.RunInfo, sch api.Event) {
	key := dispatchKey(run.RunID, sch.Seq)

	e.dispatchMu.Lock()
	if _, busy := e.dispatched[key]; busy {
		e.dispatchMu.Unlock()
		return
	}
	e.dispatched[key] = struct{}{}
	e.dispatchMu.Unlock()

	opts := api.ActivityOptions{
		StartToCloseTimeout: e.cfg.DefaultActivityTimeout,
		RetryPolicy:         e.cfg.DefaultRetryPolicy,
	}
	if sch.Options != nil {
		opts = *sch.Options
	}
	req := activity.Request{Run: run, Seq: sch.Seq, Name: sch.ActivityName, Args: sch.Args, Options: opts}

	started := e.goAsync(func(ctx context.Context) {
		defer e.undispatch(key)

		res := <-e.executor.Execute(req)
		if res.Canceled {
			return
		}
		ev := outcomeEvent(sch, res)
		if err := e.advance(ctx, run.RunID, &ev); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(logging.WithIDs(ctx, run.WorkflowID, run.RunID), "advance_failed",
				slog.String("activity", sch.ActivityName),
				slog.Any("error", err),
			)
		}
	})
	if !started {
		e.undispatch(key)
	}
}

func (e *Engine) undispatch(key string) {
	e.dispatchMu.Lock()
	delete(e.dispatched, key)
	e.dispatchMu.Unlock()
}

func outcomeEvent(sch api.Event, res activity.Result) api.Event {
	if res.Err == nil {
		return api.Event{
			Type:         api.EventActivityCompleted,
			ScheduledSeq: sch.Seq,
			ActivityName: sch.ActivityName,
			Result:       res.Payload,
			Attempts:     res.Attempts,
		}
	}
	return api.Event{
		Type:         api.EventActivityFailed,
		ScheduledSeq: sch.Seq,
		ActivityName: sch.ActivityName,
		ErrorKind:    res.Err.Kind,
		ErrorType:    res.Err.Type,
		Message:      res.Err.Message,
		Attempts:     res.Attempts,
	}
}

// advanceAsync schedules an advance cycle without an outcome.
func (e *Engine) advanceAsync(run api.RunInfo) {
	e.goAsync(func(ctx context.Context) {
		if err := e.advance(ctx, run.RunID, nil); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(logging.WithIDs(ctx, run.WorkflowID, run.RunID), "advance_failed",
				slog.Any("error", err),
			)
		}
	})
}
