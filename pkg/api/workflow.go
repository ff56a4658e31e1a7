package api

import (
	"context"
	"log/slog"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// IsTerminal reports whether no further history may be appended to a run in
// this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// IDReusePolicy decides what Start does when the workflow id belongs to a run
// that has already closed.
type IDReusePolicy int

const (
	// IDReuseAllowDuplicate starts a fresh run under the same workflow id.
	IDReuseAllowDuplicate IDReusePolicy = iota
	// IDReuseRejectDuplicate fails Start with ErrWorkflowAlreadyClosed.
	IDReuseRejectDuplicate
)

// WorkflowFunc is deterministic workflow logic. It is called from the start
// of the run every time the run advances; see the package documentation.
type WorkflowFunc func(ctx WorkflowContext, input Payload) (Payload, error)

// ActivityFunc is a side-effecting step. It must tolerate being executed
// more than once for the same logical call.
type ActivityFunc func(ctx context.Context, args Payload) (Payload, error)

// ActivityOptions are attached to a single activity invocation.
type ActivityOptions struct {
	// StartToCloseTimeout bounds each attempt. Zero means the engine default.
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout"`
	RetryPolicy         RetryPolicy   `json:"retry_policy"`
}

// WorkflowContext is what workflow logic sees of the engine.
type WorkflowContext interface {
	// Context returns a context bound to the current advance cycle. It is
	// only meant for passing deadlines and values, never for blocking.
	Context() context.Context

	WorkflowID() string
	RunID() string

	// ExecuteActivity runs the named activity with args and decodes its
	// result into result (which may be nil). If the outcome is already in
	// history it is returned immediately. Otherwise the activity is
	// scheduled and ErrSuspended is returned; the logic should return that
	// error unchanged.
	//
	// A failed activity is reported as *ActivityError.
	ExecuteActivity(name string, args any, opts ActivityOptions, result any) error

	// AwaitSignal returns the payload of the next unconsumed signal with the
	// given name, decoded into out, or ErrSuspended if none has arrived yet.
	AwaitSignal(name string, out any) error

	// IsReplaying reports whether the logic is re-executing decisions that
	// are already recorded.
	IsReplaying() bool

	// Logger returns a logger tagged with the run identifiers. It discards
	// records while replaying so each decision is logged once.
	Logger() *slog.Logger
}

// RunInfo identifies a run in callbacks and logs.
type RunInfo struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
}

// RunHandle is returned by Start.
type RunHandle struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"workflow_run_id"`
	// Existing is true when Start returned a run that was already active.
	Existing bool `json:"existing"`
}

// RunSnapshot is the externally visible state of the current run for a
// workflow id.
type RunSnapshot struct {
	WorkflowID   string    `json:"workflow_id"`
	RunID        string    `json:"run_id"`
	WorkflowType string    `json:"workflow_type"`
	Status       Status    `json:"status"`
	Result       Payload   `json:"result,omitzero"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Err returns the failure of a failed run, or nil.
func (s *RunSnapshot) Err() error {
	if s == nil || s.Status != StatusFailed {
		return nil
	}
	return &WorkflowError{Kind: s.ErrorKind, Type: s.ErrorType, Message: s.ErrorMessage}
}
