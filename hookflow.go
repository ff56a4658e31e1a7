package hookflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/hookflow/internal/engine"
	"github.com/petrijr/hookflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowContext      = api.WorkflowContext
	WorkflowFunc         = api.WorkflowFunc
	ActivityFunc         = api.ActivityFunc
	ActivityOptions      = api.ActivityOptions
	Payload              = api.Payload
	Event                = api.Event
	RunHandle            = api.RunHandle
	RunSnapshot          = api.RunSnapshot
	RunInfo              = api.RunInfo
	Status               = api.Status
	IDReusePolicy        = api.IDReusePolicy
	RetryPolicy          = api.RetryPolicy
	ActivityError        = api.ActivityError
	ApplicationError     = api.ApplicationError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Option configures an engine built by one of the constructors below.
	Option = engine.Option
)

// Re-export common helpers.

var (
	NewPayload             = api.NewPayload
	NewApplicationError    = api.NewApplicationError
	NewNonRetryableError   = api.NewNonRetryableError
	NewLoggingObserver     = api.NewLoggingObserver
	NewCompositeObserver   = api.NewCompositeObserver
	DefaultRetryPolicy     = api.DefaultRetryPolicy
	WithObserver           = engine.WithObserver
	WithLogger             = engine.WithLogger
	WithTaskQueue          = engine.WithTaskQueue
	WithIDReusePolicy      = engine.WithIDReusePolicy
	WithWorkers            = engine.WithWorkers
	WithActivityTimeout    = engine.WithDefaultActivityTimeout
	WithDefaultRetryPolicy = engine.WithDefaultRetryPolicy
	WithSweepSchedule      = engine.WithSweepSchedule
)

// Re-export status values and sentinel errors for convenience.

const (
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated

	IDReuseAllowDuplicate  = api.IDReuseAllowDuplicate
	IDReuseRejectDuplicate = api.IDReuseRejectDuplicate

	SweepDisabled = engine.SweepDisabled
)

var (
	ErrRunNotFound           = api.ErrRunNotFound
	ErrUnknownWorkflow       = api.ErrUnknownWorkflow
	ErrWorkflowAlreadyClosed = api.ErrWorkflowAlreadyClosed
	ErrRunClosed             = api.ErrRunClosed
	ErrUnavailable           = api.ErrUnavailable
	ErrEngineClosed          = api.ErrEngineClosed
	ErrInvalidRetryPolicy    = api.ErrInvalidRetryPolicy
	ErrSuspended             = api.ErrSuspended
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by process memory.
// History does not survive a restart.
func NewInMemoryEngine(opts ...Option) (Engine, error) {
	return wrap(engine.NewInMemoryEngine(opts...))
}

// NewSQLiteEngine returns an Engine that keeps run history in a SQLite
// database, creating its tables if needed.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, opts ...Option) (Engine, error) {
	return wrap(engine.NewSQLiteEngine(ctx, db, opts...))
}

// NewPostgresEngine returns an Engine that keeps run history in PostgreSQL.
func NewPostgresEngine(ctx context.Context, db *sql.DB, opts ...Option) (Engine, error) {
	return wrap(engine.NewPostgresEngine(ctx, db, opts...))
}

// NewRedisEngine returns an Engine that keeps run history in Redis.
func NewRedisEngine(client *redis.Client, opts ...Option) (Engine, error) {
	return wrap(engine.NewRedisEngine(client, opts...))
}

// NewMongoEngine returns an Engine that keeps run history in dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Engine, error) {
	return wrap(engine.NewMongoEngine(ctx, client, dbName, opts...))
}

// wrap keeps a failed constructor from returning a typed nil Engine.
func wrap(e *engine.Engine, err error) (Engine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Convenience helpers that just forward to the underlying Engine.

// Start begins a run of workflowType under workflowID, or returns the
// active run for that id.
func Start(ctx context.Context, eng Engine, workflowType, workflowID string, input any) (RunHandle, error) {
	return eng.Start(ctx, workflowType, workflowID, input)
}

// Query fetches the current run for workflowID.
func Query(ctx context.Context, eng Engine, workflowID string) (*RunSnapshot, error) {
	return eng.Query(ctx, workflowID)
}

// Signal delivers a named signal to the current run for workflowID.
func Signal(ctx context.Context, eng Engine, workflowID, name string, payload any) error {
	return eng.Signal(ctx, workflowID, name, payload)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup, after every workflow and
// activity is registered:
//
//	n, err := hookflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
