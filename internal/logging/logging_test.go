package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", Activity(ctx))

	ctx = WithIDs(ctx, "wf-123", "run-1")
	ctx = WithActivity(ctx, "send_message")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "send_message", Activity(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithWorkflowID(context.Background(), "wf-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-only")
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "activity")
	assert.Contains(t, output, "partial context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner)).With("component", "test")

	ctx := WithActivity(WithIDs(context.Background(), "wf-9", "run-9"), "add_reaction")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "wf-9", rec["workflow_id"])
	assert.Equal(t, "run-9", rec["run_id"])
	assert.Equal(t, "add_reaction", rec["activity"])
	assert.Equal(t, "test", rec["component"])
}

func TestCorrelationHandlerSkipsKeysAlreadyPresent(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))
	ctx := WithActivity(WithIDs(context.Background(), "wf-1", "r-1"), "send_message")

	// Record attrs carry the ids, as LoggingObserver does.
	logger.InfoContext(ctx, "run_started", slog.String("workflow_id", "wf-1"), slog.String("run_id", "r-1"))
	// Bound attrs carry them, as LogWith does.
	LogWith(ctx, logger).InfoContext(ctx, "activity_done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"workflow_id"`), line)
		assert.Equal(t, 1, strings.Count(line, `"run_id"`), line)
		assert.Equal(t, 1, strings.Count(line, `"activity"`), line)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "text")
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	_, err = New(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}
