package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/hookflow/internal/engine"
	"github.com/petrijr/hookflow/pkg/api"
)

const testWorkflow = "request-start"

var quiet = slog.New(slog.DiscardHandler)

// newEngine returns an engine whose request-start workflow waits for an
// "approve" signal and returns its payload.
func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.NewInMemoryEngine(engine.WithLogger(quiet), engine.WithSweepSchedule(engine.SweepDisabled))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.RegisterWorkflow(testWorkflow, func(ctx api.WorkflowContext, input api.Payload) (api.Payload, error) {
		var approval map[string]any
		if err := ctx.AwaitSignal("approve", &approval); err != nil {
			return api.Payload{}, err
		}
		return api.NewPayload(approval)
	}))
	return e
}

func newTestServer(t *testing.T, eng Engine, queries map[string]string) *httptest.Server {
	t.Helper()
	ids, err := NewEventIDs(queries)
	require.NoError(t, err)
	s, err := NewServer(Deps{Engine: eng, WorkflowType: testWorkflow, EventIDs: ids, Logger: quiet})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, contentType, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	status, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"status": "ok"}, body)
}

func TestWebhookStartsWorkflow(t *testing.T) {
	eng := newEngine(t)
	srv := newTestServer(t, eng, nil)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "foobar"}`)
	require.Equal(t, http.StatusAccepted, status, "body: %v", body)
	assert.Equal(t, "Workflow started successfully", body["status"])
	assert.Equal(t, "slack-webhook-foobar", body["workflow_id"])
	assert.NotEmpty(t, body["workflow_run_id"])

	snap, err := eng.Query(context.Background(), "slack-webhook-foobar")
	require.NoError(t, err)
	assert.Equal(t, testWorkflow, snap.WorkflowType)
}

func TestWebhookIsIdempotent(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	_, first := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "dup"}`)
	status, second := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "dup"}`)

	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, first["workflow_run_id"], second["workflow_run_id"])
	assert.Equal(t, true, second["existing"])
}

func TestWebhookRejectsNonJSON(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"json string", "application/json", `"not json"`},
		{"plain text", "text/plain", `{"event_id": "x"}`},
		{"garbage", "application/json", `{event_id`},
		{"array", "application/json", `[1, 2]`},
		{"trailing object", "application/json", `{"event_id": "x"} {"event_id": "y"}`},
		{"trailing garbage", "application/json", `{"event_id": "x"} nope`},
		{"json-like text type", "text/json+plain", `{"event_id": "x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", tc.contentType, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, map[string]any{"error": "Request must be JSON"}, body)
		})
	}
}

func TestWebhookAcceptsJSONSuffixTypes(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/vnd.api+json", `{"event_id": "vnd"}`+"\n")
	require.Equal(t, http.StatusAccepted, status, "body: %v", body)
	assert.Equal(t, "slack-webhook-vnd", body["workflow_id"])
}

func TestWebhookMissingEventID(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json; charset=utf-8", `{"type": "url_verification"}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "slack-webhook-unknown", body["workflow_id"])
}

func TestWebhookPerSourceEventID(t *testing.T) {
	srv := newTestServer(t, newEngine(t), map[string]string{"github": `.delivery.id`})

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/github", "application/json", `{"delivery": {"id": 42}}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "github-webhook-42", body["workflow_id"])
}

func TestWebhookUnavailableEngine(t *testing.T) {
	eng := newEngine(t)
	require.NoError(t, eng.Close())
	srv := newTestServer(t, eng, nil)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "foobar"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Failed to connect to workflow service", body["error"])
	assert.Equal(t, "slack-webhook-foobar", body["workflow_id"])
	assert.NotEmpty(t, body["details"])
}

// failingEngine fails Start with a non-infrastructure error.
type failingEngine struct{ Engine }

func (failingEngine) Start(context.Context, string, string, any) (api.RunHandle, error) {
	return api.RunHandle{}, fmt.Errorf("%w: closed run", api.ErrWorkflowAlreadyClosed)
}

func TestWebhookStartFailure(t *testing.T) {
	srv := newTestServer(t, failingEngine{}, nil)

	status, body := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "foobar"}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Failed to start workflow", body["error"])
	assert.Equal(t, "slack-webhook-foobar", body["workflow_id"])
}

func TestSignalQueryAndHistory(t *testing.T) {
	eng := newEngine(t)
	srv := newTestServer(t, eng, nil)

	status, _ := do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "sig"}`)
	require.Equal(t, http.StatusAccepted, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/workflows/slack-webhook-sig/signals/approve", "application/json", `{"by": "alice"}`)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		s, body := do(t, http.MethodGet, srv.URL+"/workflows/slack-webhook-sig", "", "")
		return s == http.StatusOK && body["status"] == string(api.StatusCompleted)
	}, 5*time.Second, 5*time.Millisecond)

	_, snap := do(t, http.MethodGet, srv.URL+"/workflows/slack-webhook-sig", "", "")
	result, ok := snap["result"].(map[string]any)
	require.True(t, ok, "snapshot: %v", snap)
	assert.Equal(t, map[string]any{"by": "alice"}, result["data"])

	status, hist := do(t, http.MethodGet, srv.URL+"/workflows/slack-webhook-sig/history", "", "")
	require.Equal(t, http.StatusOK, status)
	events, ok := hist["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 3)
}

func TestTerminate(t *testing.T) {
	eng := newEngine(t)
	srv := newTestServer(t, eng, nil)

	do(t, http.MethodPost, srv.URL+"/webhooks/slack", "application/json", `{"event_id": "term"}`)

	status, _ := do(t, http.MethodPost, srv.URL+"/workflows/slack-webhook-term/terminate", "application/json", `{"reason": "duplicate report"}`)
	require.Equal(t, http.StatusOK, status)

	snap, err := eng.Query(context.Background(), "slack-webhook-term")
	require.NoError(t, err)
	assert.Equal(t, api.StatusTerminated, snap.Status)

	status, body := do(t, http.MethodPost, srv.URL+"/workflows/slack-webhook-term/signals/approve", "application/json", `{}`)
	assert.Equal(t, http.StatusConflict, status, "body: %v", body)
}

func TestUnknownWorkflowIs404(t *testing.T) {
	srv := newTestServer(t, newEngine(t), nil)

	status, _ := do(t, http.MethodGet, srv.URL+"/workflows/nope", "", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/workflows/nope/terminate", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventIDsRejectBadQuery(t *testing.T) {
	_, err := NewEventIDs(map[string]string{"broken": ".["})
	require.Error(t, err)
}

func TestEventIDExtraction(t *testing.T) {
	ids, err := NewEventIDs(map[string]string{"multi": `.a, .b`})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "ev-1", ids.Extract(ctx, "slack", map[string]any{"event_id": "ev-1"}))
	assert.Equal(t, "7", ids.Extract(ctx, "slack", map[string]any{"event_id": float64(7)}))
	assert.Equal(t, UnknownEventID, ids.Extract(ctx, "slack", map[string]any{"event_id": nil}))
	assert.Equal(t, UnknownEventID, ids.Extract(ctx, "slack", map[string]any{"event_id": map[string]any{}}))
	assert.Equal(t, "second", ids.Extract(ctx, "multi", map[string]any{"b": "second"}))
}
