package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution. Callbacks fire once
// per recorded transition, never during replay.
type Observer interface {
	// OnRunStarted is called once the RunStarted event is durable.
	OnRunStarted(ctx context.Context, run RunInfo)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run RunInfo)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run RunInfo, err error)

	// OnRunTerminated is called when a run is terminated.
	OnRunTerminated(ctx context.Context, run RunInfo, reason string)

	// OnActivityStart is called before each activity attempt.
	// attempt is 1-based.
	OnActivityStart(ctx context.Context, run RunInfo, activity string, attempt int)

	// OnActivityCompleted is called after each attempt returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, run RunInfo, activity string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(ctx context.Context, run RunInfo)                     {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run RunInfo)                   {}
func (NoopObserver) OnRunFailed(ctx context.Context, run RunInfo, err error)           {}
func (NoopObserver) OnRunTerminated(ctx context.Context, run RunInfo, reason string)   {}
func (NoopObserver) OnActivityStart(ctx context.Context, run RunInfo, a string, n int) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, run RunInfo, a string, n int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunTerminated(ctx context.Context, run RunInfo, reason string) {
	for _, o := range c.observers {
		o.OnRunTerminated(ctx, run, reason)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, run RunInfo, activity string, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, run, activity, attempt)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, run RunInfo, activity string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, run, activity, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / activity lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func runAttrs(run RunInfo) []any {
	return []any{
		slog.String("workflow_type", run.WorkflowType),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.RunID),
	}
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "run_started", runAttrs(run)...)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "run_completed", runAttrs(run)...)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "run_failed", append(runAttrs(run), slog.Any("error", err))...)
}

func (o *LoggingObserver) OnRunTerminated(ctx context.Context, run RunInfo, reason string) {
	o.Logger.WarnContext(ctx, "run_terminated", append(runAttrs(run), slog.String("reason", reason))...)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, run RunInfo, activity string, attempt int) {
	o.Logger.DebugContext(ctx, "activity_start",
		append(runAttrs(run),
			slog.String("activity", activity),
			slog.Int("attempt", attempt),
		)...,
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, run RunInfo, activity string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		append(runAttrs(run),
			slog.String("activity", activity),
			slog.Int("attempt", attempt),
			slog.Duration("duration", d),
			slog.Any("error", err),
		)...,
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted        atomic.Int64
	runsCompleted      atomic.Int64
	runsFailed         atomic.Int64
	runsTerminated     atomic.Int64
	activityAttempts   atomic.Int64
	activitiesFailed   atomic.Int64
	activitiesOK       atomic.Int64
	totalActivityNanos atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted    int64
	RunsCompleted  int64
	RunsFailed     int64
	RunsTerminated int64
	ActiveRuns     int64

	ActivityAttempts    int64
	ActivitiesSucceeded int64
	ActivityFailures    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnRunStarted(ctx context.Context, run RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run RunInfo) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunTerminated(ctx context.Context, run RunInfo, reason string) {
	m.runsTerminated.Add(1)
}

func (m *BasicMetrics) OnActivityStart(ctx context.Context, run RunInfo, activity string, attempt int) {
	m.activityAttempts.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, run RunInfo, activity string, attempt int, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	// Only successful attempts count towards the average duration.
	m.activitiesOK.Add(1)
	m.totalActivityNanos.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	terminated := m.runsTerminated.Load()
	ok := m.activitiesOK.Load()

	var avg time.Duration
	if ok > 0 {
		avg = time.Duration(m.totalActivityNanos.Load() / ok)
	}

	return BasicMetricsSnapshot{
		RunsStarted:         started,
		RunsCompleted:       completed,
		RunsFailed:          failed,
		RunsTerminated:      terminated,
		ActiveRuns:          started - completed - failed - terminated,
		ActivityAttempts:    m.activityAttempts.Load(),
		ActivitiesSucceeded: ok,
		ActivityFailures:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
	}
}
