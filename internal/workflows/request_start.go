// Package workflows contains hookflow's workflow logic.
//
// Workflow functions run under replay: they must be deterministic and may
// only touch the outside world through WorkflowContext.ExecuteActivity.
package workflows

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/petrijr/hookflow/internal/activities"
	"github.com/petrijr/hookflow/pkg/api"
)

// RequestStartType is the workflow type started for every webhook.
const RequestStartType = "request-start"

const (
	DefaultIssuePredicate  = `RequestType in ["bug", "incident"]`
	DefaultActivityTimeout = 5 * time.Second
	DoneEmoji              = "white_check_mark"

	// ErrTypeInvalidRequest is reported when the webhook cannot be handled.
	ErrTypeInvalidRequest = "InvalidRequest"

	maxSummaryLen = 120
)

// Request is the webhook body as the workflow reads it. Unknown fields are
// ignored. Field names are also the identifiers the issue predicate sees.
type Request struct {
	ID            string `json:"id"`
	EventID       string `json:"event_id"`
	RequestType   string `json:"request_type"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	ReporterEmail string `json:"reporter_email"`
	AssigneeEmail string `json:"assignee_email"`
	Component     string `json:"component"`
	Channel       string `json:"channel"`
	Message       string `json:"message"`
}

// UnmarshalJSON accepts numeric and boolean ids, formatted the way the
// webhook receiver formats them when it derives the workflow id.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		ID      json.RawMessage `json:"id"`
		EventID json.RawMessage `json:"event_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	var err error
	if r.ID, err = idString(aux.ID); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if r.EventID, err = idString(aux.EventID); err != nil {
		return fmt.Errorf("event_id: %w", err)
	}
	return nil
}

func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	}
	// null, objects and arrays carry no usable id.
	return "", nil
}

// Ref is how the request is named in messages and issues.
func (r Request) Ref() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.EventID != "":
		return r.EventID
	}
	return "unknown"
}

// Result is what a completed request-start run returns.
type Result struct {
	MessageTS      string `json:"message_ts"`
	Channel        string `json:"channel"`
	ReporterUserID string `json:"reporter_user_id,omitempty"`
	IssueKey       string `json:"issue_key,omitempty"`
}

type Config struct {
	// AckChannel receives the acknowledgement. Empty means the channel the
	// request came from.
	AckChannel string
	// IssuePredicate is an expr-lang expression over Request.
	IssuePredicate  string
	ActivityTimeout time.Duration
	RetryPolicy     api.RetryPolicy
}

// RequestStart acknowledges a request in chat, resolves the reporter,
// optionally files an issue and marks the acknowledgement done.
type RequestStart struct {
	cfg       Config
	predicate *vm.Program
}

func NewRequestStart(cfg Config) (*RequestStart, error) {
	if cfg.IssuePredicate == "" {
		cfg.IssuePredicate = DefaultIssuePredicate
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = DefaultActivityTimeout
	}
	if cfg.RetryPolicy.IsZero() {
		cfg.RetryPolicy = api.DefaultRetryPolicy()
	}
	if err := cfg.RetryPolicy.Validate(); err != nil {
		return nil, err
	}

	prg, err := expr.Compile(cfg.IssuePredicate, expr.Env(Request{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("workflows: issue predicate %q: %w", cfg.IssuePredicate, err)
	}
	return &RequestStart{cfg: cfg, predicate: prg}, nil
}

// WorkflowRegistrar is implemented by the workflow engine.
type WorkflowRegistrar interface {
	RegisterWorkflow(name string, fn api.WorkflowFunc) error
}

// Register adds the workflow to r under RequestStartType.
func (w *RequestStart) Register(r WorkflowRegistrar) error {
	return r.RegisterWorkflow(RequestStartType, w.Run)
}

// ShouldFileIssue evaluates the issue predicate for req.
func (w *RequestStart) ShouldFileIssue(req Request) (bool, error) {
	out, err := expr.Run(w.predicate, req)
	if err != nil {
		return false, fmt.Errorf("workflows: evaluate issue predicate: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (w *RequestStart) options() api.ActivityOptions {
	return api.ActivityOptions{StartToCloseTimeout: w.cfg.ActivityTimeout, RetryPolicy: w.cfg.RetryPolicy}
}

// Run is the workflow function.
func (w *RequestStart) Run(ctx api.WorkflowContext, input api.Payload) (api.Payload, error) {
	var req Request
	if err := input.Decode(&req); err != nil {
		return api.Payload{}, api.NewNonRetryableError(ErrTypeInvalidRequest, "cannot decode request", err)
	}
	logger := ctx.Logger().With(slog.String("request", req.Ref()))
	opts := w.options()

	channel := w.cfg.AckChannel
	if channel == "" {
		channel = req.Channel
	}
	if channel == "" {
		return api.Payload{}, api.NewNonRetryableError(ErrTypeInvalidRequest, "request has no channel and no acknowledgement channel is configured", nil)
	}

	var ack activities.SendMessageResult
	err := ctx.ExecuteActivity(activities.SendMessage,
		activities.SendMessageArgs{Channel: channel, Text: acknowledgement(req)}, opts, &ack)
	if err != nil {
		return api.Payload{}, err
	}
	logger.Info("request_acknowledged", slog.String("channel", ack.Channel), slog.String("ts", ack.Timestamp))

	res := Result{MessageTS: ack.Timestamp, Channel: ack.Channel}

	if req.ReporterEmail != "" {
		var reporter activities.LookupUserResult
		err := ctx.ExecuteActivity(activities.LookupUserByEmail,
			activities.LookupUserArgs{Email: req.ReporterEmail}, opts, &reporter)
		var ae *api.ActivityError
		switch {
		case err == nil:
			res.ReporterUserID = reporter.UserID
		case errors.As(err, &ae) && ae.Type == activities.ErrTypeUserNotFound:
			logger.Info("reporter_not_in_workspace")
		default:
			return api.Payload{}, err
		}
	}

	file, err := w.ShouldFileIssue(req)
	if err != nil {
		return api.Payload{}, err
	}
	if file {
		var issue activities.CreateIssueResult
		err := ctx.ExecuteActivity(activities.CreateIssue, issueArgs(req, res.ReporterUserID), opts, &issue)
		if err != nil {
			return api.Payload{}, err
		}
		res.IssueKey = issue.IssueKey
		logger.Info("issue_filed", slog.String("issue_key", issue.IssueKey))
	}

	err = ctx.ExecuteActivity(activities.AddReaction,
		activities.AddReactionArgs{Channel: ack.Channel, MessageTS: ack.Timestamp, Emoji: DoneEmoji}, opts, nil)
	if err != nil {
		return api.Payload{}, err
	}

	return api.NewPayload(res)
}

func acknowledgement(req Request) string {
	if req.RequestType == "" {
		return fmt.Sprintf("Received request %s. We're on it.", req.Ref())
	}
	return fmt.Sprintf("Received %s request %s. We're on it.", req.RequestType, req.Ref())
}

func issueType(requestType string) string {
	if strings.EqualFold(requestType, "bug") {
		return "Bug"
	}
	return "Task"
}

func issueArgs(req Request, reporterID string) activities.CreateIssueArgs {
	summary := strings.TrimSpace(strings.SplitN(req.Message, "\n", 2)[0])
	if summary == "" {
		summary = fmt.Sprintf("%s request %s", req.RequestType, req.Ref())
	}
	if r := []rune(summary); len(r) > maxSummaryLen {
		summary = string(r[:maxSummaryLen])
	}

	var b strings.Builder
	b.WriteString(req.Message)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Request: %s\n", req.Ref())
	if req.Component != "" {
		fmt.Fprintf(&b, "Component: %s\n", req.Component)
	}
	if req.ReporterEmail != "" {
		fmt.Fprintf(&b, "Reporter: %s", req.ReporterEmail)
		if reporterID != "" {
			fmt.Fprintf(&b, " (slack %s)", reporterID)
		}
		b.WriteString("\n")
	}
	if req.AssigneeEmail != "" {
		fmt.Fprintf(&b, "Assignee: %s\n", req.AssigneeEmail)
	}

	return activities.CreateIssueArgs{
		IssueType:   issueType(req.RequestType),
		Summary:     summary,
		Description: strings.TrimSpace(b.String()),
	}
}
