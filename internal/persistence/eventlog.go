package persistence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the store.
	ErrRunNotFound = api.ErrRunNotFound

	// ErrRunExists is matched by *RunExistsError.
	ErrRunExists = errors.New("hookflow: active run already exists")

	// ErrConcurrentAppend is returned when another writer appended to the
	// run after the caller read it.
	ErrConcurrentAppend = errors.New("hookflow: concurrent append")

	// ErrRunClosed is returned when appending to a run that already has a
	// terminal event.
	ErrRunClosed = api.ErrRunClosed
)

// RunExistsError is returned by CreateRun when the workflow id already has a
// non-terminal run. Run describes that run.
type RunExistsError struct {
	Run RunRecord
}

func (e *RunExistsError) Error() string {
	return fmt.Sprintf("hookflow: workflow %s already has active run %s", e.Run.WorkflowID, e.Run.RunID)
}

func (e *RunExistsError) Is(target error) bool { return target == ErrRunExists }

// RunRecord is the per-run summary kept next to the history. It is derived
// from the events and updated in the same atomic step as the append that
// changes it.
type RunRecord struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Status       api.Status
	Result       api.Payload
	ErrorKind    api.ErrorKind
	ErrorType    string
	ErrorMessage string
	LastSeq      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Info returns the identifiers used in logs and observer callbacks.
func (r RunRecord) Info() api.RunInfo {
	return api.RunInfo{WorkflowID: r.WorkflowID, RunID: r.RunID, WorkflowType: r.WorkflowType}
}

// EventLog is the durable, append-only history of workflow runs.
//
// It is the only transactional resource of the engine. Every method is safe
// for concurrent use.
type EventLog interface {
	// CreateRun stores rec with status Running and appends first (which must
	// be a RunStarted event) at seq 1 in one atomic step. If the workflow id
	// already has a non-terminal run it returns *RunExistsError.
	CreateRun(ctx context.Context, rec RunRecord, first api.Event) error

	// Append writes ev at expectedSeq+1 and returns its seq. It fails with
	// ErrConcurrentAppend if the run's last seq is no longer expectedSeq and
	// with ErrRunClosed if the run is terminal. A terminal event updates
	// the run record in the same step.
	Append(ctx context.Context, runID string, expectedSeq int64, ev api.Event) (int64, error)

	// Read yields the run's events in seq order. The sequence is lazy,
	// finite, and may be iterated any number of times.
	Read(ctx context.Context, runID string) iter.Seq2[api.Event, error]

	// GetRun returns the record for runID.
	GetRun(ctx context.Context, runID string) (RunRecord, error)

	// CurrentRun returns the most recent run for workflowID.
	CurrentRun(ctx context.Context, workflowID string) (RunRecord, error)

	// ListActive returns the ids of all non-terminal runs.
	ListActive(ctx context.Context) ([]string, error)
}

// ReadAll collects a run's history into a slice.
func ReadAll(ctx context.Context, log EventLog, runID string) ([]api.Event, error) {
	var out []api.Event
	for ev, err := range log.Read(ctx, runID) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// readPageSize bounds how many events the database backends load per query
// while iterating a history.
const readPageSize = 256

func validateFirst(rec RunRecord, first api.Event) error {
	if rec.RunID == "" || rec.WorkflowID == "" {
		return errors.New("hookflow: run record needs workflow and run id")
	}
	if first.Type != api.EventRunStarted {
		return fmt.Errorf("hookflow: first event must be %s, got %s", api.EventRunStarted, first.Type)
	}
	return nil
}

// prepareFirst normalizes a new run record and its first event.
func prepareFirst(rec RunRecord, first api.Event) (RunRecord, api.Event) {
	now := time.Now().UTC()
	if first.At.IsZero() {
		first.At = now
	}
	first.Seq = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = first.At
	}
	rec.UpdatedAt = first.At
	rec.Status = api.StatusRunning
	rec.LastSeq = 1
	if rec.WorkflowType == "" {
		rec.WorkflowType = first.WorkflowType
	}
	return rec, first
}

// applyEvent returns rec as it looks after ev was appended at seq.
func applyEvent(rec RunRecord, seq int64, ev api.Event) RunRecord {
	rec.LastSeq = seq
	rec.UpdatedAt = ev.At
	if st, ok := ev.Type.TerminalStatus(); ok {
		rec.Status = st
		switch ev.Type {
		case api.EventRunCompleted:
			rec.Result = ev.Result
		case api.EventRunFailed:
			rec.ErrorKind = ev.ErrorKind
			rec.ErrorType = ev.ErrorType
			rec.ErrorMessage = ev.Message
		case api.EventRunTerminated:
			rec.ErrorMessage = ev.Reason
		}
	}
	return rec
}

func unixNanoUTC(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// stampEvent fills seq and timestamp of an event about to be appended.
func stampEvent(ev api.Event, seq int64) api.Event {
	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// classifyAppend explains why a compare-and-append did not match.
func classifyAppend(rec RunRecord, expectedSeq int64) error {
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunClosed, rec.RunID, rec.Status)
	}
	if rec.LastSeq != expectedSeq {
		return fmt.Errorf("%w: run %s at seq %d, expected %d", ErrConcurrentAppend, rec.RunID, rec.LastSeq, expectedSeq)
	}
	return nil
}
