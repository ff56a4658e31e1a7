package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/internal/persistence"
	"github.com/petrijr/hookflow/pkg/api"
)

// startAttempts bounds how often Start re-reads the current run after
// losing a creation race.
const startAttempts = 3

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", api.ErrUnavailable, err)
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func handleOf(rec persistence.RunRecord, existing bool) api.RunHandle {
	return api.RunHandle{WorkflowID: rec.WorkflowID, RunID: rec.RunID, Existing: existing}
}

// Start creates a run for workflowID, or returns the active one. The
// run.started event is durable when Start returns; the first advance cycle
// happens in the background.
func (e *Engine) Start(ctx context.Context, workflowType, workflowID string, input any) (api.RunHandle, error) {
	if err := e.enter(); err != nil {
		return api.RunHandle{}, err
	}
	defer e.wg.Done()

	if workflowID == "" {
		return api.RunHandle{}, errors.New("hookflow: workflow id is required")
	}
	if _, ok := e.workflow(workflowType); !ok {
		return api.RunHandle{}, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, workflowType)
	}
	in, err := api.NewPayload(input)
	if err != nil {
		return api.RunHandle{}, fmt.Errorf("hookflow: encode input: %w", err)
	}

	for range startAttempts {
		cur, err := e.log.CurrentRun(ctx, workflowID)
		switch {
		case err == nil && !cur.Status.IsTerminal():
			return handleOf(cur, true), nil
		case err == nil && e.cfg.IDReuse == api.IDReuseRejectDuplicate:
			return api.RunHandle{}, fmt.Errorf("%w: %s (run %s is %s)",
				api.ErrWorkflowAlreadyClosed, workflowID, cur.RunID, cur.Status)
		case err != nil && !errors.Is(err, persistence.ErrRunNotFound):
			return api.RunHandle{}, unavailable(err)
		}

		rec := persistence.RunRecord{
			WorkflowID:   workflowID,
			RunID:        newRunID(),
			WorkflowType: workflowType,
			TaskQueue:    e.cfg.TaskQueue,
		}
		first := api.Event{Type: api.EventRunStarted, WorkflowType: workflowType, Input: in}

		err = e.log.CreateRun(ctx, rec, first)
		var exists *persistence.RunExistsError
		switch {
		case errors.As(err, &exists):
			return handleOf(exists.Run, true), nil
		case errors.Is(err, persistence.ErrRunExists), errors.Is(err, persistence.ErrConcurrentAppend):
			continue
		case err != nil:
			return api.RunHandle{}, unavailable(err)
		}

		run := rec.Info()
		e.observer.OnRunStarted(logging.WithIDs(ctx, run.WorkflowID, run.RunID), run)
		e.advanceAsync(run)
		return handleOf(rec, false), nil
	}
	return api.RunHandle{}, unavailable(fmt.Errorf("could not create run for %s", workflowID))
}

func (e *Engine) currentRun(ctx context.Context, workflowID string) (persistence.RunRecord, error) {
	rec, err := e.log.CurrentRun(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return persistence.RunRecord{}, fmt.Errorf("%w: %s", api.ErrRunNotFound, workflowID)
		}
		return persistence.RunRecord{}, unavailable(err)
	}
	return rec, nil
}

func (e *Engine) Query(ctx context.Context, workflowID string) (*api.RunSnapshot, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.wg.Done()

	rec, err := e.currentRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &api.RunSnapshot{
		WorkflowID:   rec.WorkflowID,
		RunID:        rec.RunID,
		WorkflowType: rec.WorkflowType,
		Status:       rec.Status,
		Result:       rec.Result,
		ErrorKind:    rec.ErrorKind,
		ErrorType:    rec.ErrorType,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// appendToRun appends ev to runID under the run lock, retrying once after
// a lost compare-and-append.
func (e *Engine) appendToRun(ctx context.Context, runID string, ev api.Event) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	var err error
	for range 2 {
		var rec persistence.RunRecord
		rec, err = e.log.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", api.ErrRunClosed, runID, rec.Status)
		}
		_, err = e.log.Append(ctx, runID, rec.LastSeq, ev)
		if !errors.Is(err, persistence.ErrConcurrentAppend) {
			return err
		}
	}
	return err
}

// Terminate closes the current run of workflowID. Activities already
// running are not interrupted; their results are discarded.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.wg.Done()

	rec, err := e.currentRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	err = e.appendToRun(ctx, rec.RunID, api.Event{Type: api.EventRunTerminated, Reason: reason})
	if errors.Is(err, api.ErrRunClosed) {
		return nil
	}
	if err != nil {
		return unavailable(err)
	}
	run := rec.Info()
	e.observer.OnRunTerminated(logging.WithIDs(ctx, run.WorkflowID, run.RunID), run, reason)
	return nil
}

// Signal records a named signal on the current run and advances it.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.wg.Done()

	if name == "" {
		return errors.New("hookflow: signal name is required")
	}
	p, err := api.NewPayload(payload)
	if err != nil {
		return fmt.Errorf("hookflow: encode signal payload: %w", err)
	}
	rec, err := e.currentRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrRunClosed, workflowID, rec.Status)
	}

	err = e.appendToRun(ctx, rec.RunID, api.Event{Type: api.EventSignalReceived, SignalName: name, Payload: p})
	if errors.Is(err, api.ErrRunClosed) {
		return err
	}
	if err != nil {
		return unavailable(err)
	}
	e.advanceAsync(rec.Info())
	return nil
}

// History returns the events of the current run of workflowID.
func (e *Engine) History(ctx context.Context, workflowID string) ([]api.Event, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.wg.Done()

	rec, err := e.currentRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	events, err := persistence.ReadAll(ctx, e.log, rec.RunID)
	if err != nil {
		return nil, unavailable(err)
	}
	return events, nil
}

// Recover advances every active run once, re-dispatching activities whose
// outcome is missing. It returns how many runs advanced without error.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.wg.Done()
	return e.recoverActive(ctx)
}

func (e *Engine) recoverActive(ctx context.Context) (int, error) {
	ids, err := e.log.ListActive(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	var n int
	var errs []error
	for _, id := range ids {
		if err := e.advance(ctx, id, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// sweep is the cron job that keeps runs moving after transient store
// failures.
func (e *Engine) sweep() {
	if e.ctx.Err() != nil {
		return
	}
	n, err := e.recoverActive(e.ctx)
	if err != nil && e.ctx.Err() == nil {
		e.logger.Warn("sweep_failed", slog.Int("advanced", n), slog.Any("error", err))
		return
	}
	e.logger.Debug("sweep_completed", slog.Int("advanced", n))
}
