package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts     int
	completes  int
	fails      int
	terminates int

	activityStarts    int
	activityCompletes int

	lastRun        RunInfo
	lastErr        error
	lastReason     string
	lastActivity   string
	lastAttempt    int
	lastActivityD  time.Duration
	lastActivityEr error
}

func (o *testObserver) OnRunStarted(ctx context.Context, run RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastRun = run
}

func (o *testObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastRun = run
}

func (o *testObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastRun = run
	o.lastErr = err
}

func (o *testObserver) OnRunTerminated(ctx context.Context, run RunInfo, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminates++
	o.lastReason = reason
}

func (o *testObserver) OnActivityStart(ctx context.Context, run RunInfo, activity string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityStarts++
	o.lastActivity = activity
	o.lastAttempt = attempt
}

func (o *testObserver) OnActivityCompleted(ctx context.Context, run RunInfo, activity string, attempt int, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityCompletes++
	o.lastActivity = activity
	o.lastAttempt = attempt
	o.lastActivityD = d
	o.lastActivityEr = err
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestRun() RunInfo {
	return RunInfo{WorkflowID: "slack-webhook-1", RunID: "run-123", WorkflowType: "request-start"}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()
	var o Observer = NoopObserver{}

	o.OnRunStarted(ctx, run)
	o.OnRunCompleted(ctx, run)
	o.OnRunFailed(ctx, run, errors.New("boom"))
	o.OnRunTerminated(ctx, run, "manual")
	o.OnActivityStart(ctx, run, "send_message", 1)
	o.OnActivityCompleted(ctx, run, "send_message", 1, nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("activity failed")
	co.OnRunStarted(ctx, run)
	co.OnRunCompleted(ctx, run)
	co.OnRunFailed(ctx, run, err)
	co.OnRunTerminated(ctx, run, "operator")
	co.OnActivityStart(ctx, run, "add_reaction", 2)
	co.OnActivityCompleted(ctx, run, "add_reaction", 2, err, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.terminates != 1 ||
			o.activityStarts != 1 || o.activityCompletes != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastRun != run {
			t.Fatalf("observer %d run mismatch: %+v", i+1, o.lastRun)
		}
		if o.lastErr != err || o.lastActivityEr != err {
			t.Fatalf("observer %d error mismatch", i+1)
		}
		if o.lastReason != "operator" {
			t.Fatalf("observer %d reason mismatch: %q", i+1, o.lastReason)
		}
		if o.lastActivity != "add_reaction" || o.lastAttempt != 2 || o.lastActivityD != 2*time.Second {
			t.Fatalf("observer %d activity mismatch: %+v", i+1, o)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver")
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnRunStarted_EmitsInfoLog(t *testing.T) {
	run := newTestRun()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnRunStarted(context.Background(), run)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo || rec.Message != "run_started" {
		t.Fatalf("unexpected record: %v %q", rec.Level, rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["workflow_id"] != run.WorkflowID || attrs["run_id"] != run.RunID {
		t.Fatalf("missing run identifiers: %v", attrs)
	}
}

func TestLoggingObserver_OnActivityCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnActivityCompleted(ctx, run, "send_message", 1, nil, time.Second)
	o.OnActivityCompleted(ctx, run, "send_message", 2, errors.New("boom"), time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected failure record LevelWarn, got %v", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["activity"] != "send_message" || attrs["attempt"] != int64(2) {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_RunCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	run := newTestRun()

	for range 4 {
		m.OnRunStarted(ctx, run)
	}
	m.OnRunCompleted(ctx, run)
	m.OnRunFailed(ctx, run, errors.New("fail"))
	m.OnRunTerminated(ctx, run, "stop")

	snap := m.Snapshot()
	if snap.RunsStarted != 4 || snap.RunsCompleted != 1 || snap.RunsFailed != 1 || snap.RunsTerminated != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.ActiveRuns != 1 {
		t.Fatalf("ActiveRuns=%d, want 1", snap.ActiveRuns)
	}
	if snap.AvgActivityDuration != 0 {
		t.Fatalf("AvgActivityDuration=%v, want 0", snap.AvgActivityDuration)
	}
}

func TestBasicMetrics_OnlySuccessfulAttemptsCountDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	run := newTestRun()

	m.OnActivityStart(ctx, run, "a", 1)
	m.OnActivityCompleted(ctx, run, "a", 1, nil, time.Second)
	m.OnActivityStart(ctx, run, "b", 1)
	m.OnActivityCompleted(ctx, run, "b", 1, nil, 3*time.Second)
	m.OnActivityStart(ctx, run, "c", 1)
	m.OnActivityCompleted(ctx, run, "c", 1, errors.New("fail"), 10*time.Second)

	snap := m.Snapshot()
	if snap.ActivityAttempts != 3 || snap.ActivitiesSucceeded != 2 || snap.ActivityFailures != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.AvgActivityDuration != 2*time.Second {
		t.Fatalf("AvgActivityDuration=%v, want 2s", snap.AvgActivityDuration)
	}
}
