// Package httpapi is hookflow's HTTP front door: the webhook receiver, a
// health check and a small API to inspect and steer workflow runs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

// maxBodyBytes bounds webhook and API request bodies.
const maxBodyBytes = 1 << 20

// Engine is the part of the workflow engine the HTTP layer uses.
type Engine interface {
	Start(ctx context.Context, workflowType, workflowID string, input any) (api.RunHandle, error)
	Query(ctx context.Context, workflowID string) (*api.RunSnapshot, error)
	Terminate(ctx context.Context, workflowID, reason string) error
	Signal(ctx context.Context, workflowID, name string, payload any) error
	History(ctx context.Context, workflowID string) ([]api.Event, error)
}

type Deps struct {
	Engine Engine
	// WorkflowType is started for every webhook.
	WorkflowType string
	EventIDs     *EventIDs
	Logger       *slog.Logger
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("httpapi: engine is required")
	}
	if deps.WorkflowType == "" {
		return nil, errors.New("httpapi: workflow type is required")
	}
	if deps.EventIDs == nil {
		ids, err := NewEventIDs(nil)
		if err != nil {
			return nil, err
		}
		deps.EventIDs = ids
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}, nil
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/{source}", s.handleWebhook)

	mux.HandleFunc("GET /workflows/{id}", s.handleQuery)
	mux.HandleFunc("GET /workflows/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /workflows/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("POST /workflows/{id}/signals/{name}", s.handleSignal)

	return requestLog(s.deps.Logger, mux)
}

// WorkflowID derives the workflow id of a webhook delivery.
func WorkflowID(source, eventID string) string {
	return fmt.Sprintf("%s-webhook-%s", source, eventID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// isJSON accepts application/json and the application/*+json family.
func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" ||
		(strings.HasPrefix(mt, "application/") && strings.HasSuffix(mt, "+json"))
}

// decodeObject reads exactly one JSON object from the request body.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, false
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return body, true
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := r.PathValue("source")

	if !isJSON(r) {
		writeError(w, http.StatusBadRequest, "Request must be JSON")
		return
	}
	body, ok := decodeObject(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Request must be JSON")
		return
	}

	workflowID := WorkflowID(source, s.deps.EventIDs.Extract(ctx, source, body))
	s.deps.Logger.InfoContext(ctx, "webhook_received",
		slog.String("source", source),
		slog.String("workflow_id", workflowID),
	)

	run, err := s.deps.Engine.Start(ctx, s.deps.WorkflowType, workflowID, body)
	if err != nil {
		status, msg := http.StatusInternalServerError, "Failed to start workflow"
		if errors.Is(err, api.ErrUnavailable) {
			status, msg = http.StatusServiceUnavailable, "Failed to connect to workflow service"
		}
		s.deps.Logger.ErrorContext(ctx, "workflow_start_failed",
			slog.String("workflow_id", workflowID),
			slog.Any("error", err),
		)
		writeJSON(w, status, map[string]string{
			"error":       msg,
			"details":     err.Error(),
			"workflow_id": workflowID,
		})
		return
	}

	s.deps.Logger.InfoContext(ctx, "workflow_started",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.Bool("existing", run.Existing),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "Workflow started successfully",
		"workflow_id":     run.WorkflowID,
		"workflow_run_id": run.RunID,
		"existing":        run.Existing,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "terminated via api"
	}

	id := r.PathValue("id")
	if err := s.deps.Engine.Terminate(r.Context(), id, body.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "workflow_id": id})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	id, name := r.PathValue("id"), r.PathValue("name")
	var arg any
	if len(payload) > 0 {
		arg = payload
	}
	if err := s.deps.Engine.Signal(r.Context(), id, name, arg); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signalled", "workflow_id": id, "signal": name})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, api.ErrRunClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, api.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.deps.Logger.Error("engine_call_failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.LogAttrs(r.Context(), slog.LevelInfo, "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
