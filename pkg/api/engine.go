package api

import "context"

// Engine is the workflow dispatch API.
//
// Runs are started and advanced asynchronously: Start returns as soon as the
// first history event is durable, and the run then progresses on the
// engine's worker pool.
type Engine interface {
	// RegisterWorkflow registers workflow logic under a type name.
	RegisterWorkflow(name string, fn WorkflowFunc) error

	// RegisterActivity registers an activity handler by name.
	RegisterActivity(name string, fn ActivityFunc) error

	// Start begins a run of workflowType under workflowID. While a run for
	// workflowID is active, Start returns that run's handle with Existing
	// set and does nothing else.
	Start(ctx context.Context, workflowType, workflowID string, input any) (RunHandle, error)

	// Query returns a snapshot of the current run for workflowID.
	// Returns ErrRunNotFound if the id was never started.
	Query(ctx context.Context, workflowID string) (*RunSnapshot, error)

	// Terminate closes the current run with status Terminated. In-flight
	// activity attempts are not interrupted; their results are discarded.
	// Terminating an already closed run is a no-op.
	Terminate(ctx context.Context, workflowID, reason string) error

	// Signal records a named signal for the current run and advances it.
	Signal(ctx context.Context, workflowID, name string, payload any) error

	// History returns the events of the current run in sequence order.
	History(ctx context.Context, workflowID string) ([]Event, error)

	// Recover advances every active run, re-dispatching activities whose
	// outcome was never recorded. It returns the number of runs resumed.
	Recover(ctx context.Context) (int, error)

	// Close stops the engine. Further calls fail with ErrEngineClosed.
	Close() error
}
