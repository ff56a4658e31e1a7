// Package activities holds the side-effecting steps of hookflow workflows.
// Each handler decodes its arguments from a payload, calls Slack or Jira,
// and classifies failures so retry policies can tell transient errors from
// final ones.
package activities

import (
	"context"
	"log/slog"

	"github.com/petrijr/hookflow/internal/chat"
	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/internal/tracker"
	"github.com/petrijr/hookflow/pkg/api"
)

// Registered activity names.
const (
	SendMessage       = "send_message"
	AddReaction       = "add_reaction"
	LookupUserByEmail = "lookup_user_by_email"
	CreateIssue       = "create_issue"
)

// Chat is the chat platform surface the activities use.
type Chat interface {
	SendMessage(ctx context.Context, channel, text string) (chat.Message, error)
	AddReaction(ctx context.Context, channel, ts, emoji string) error
	LookupUserByEmail(ctx context.Context, email string) (chat.User, error)
}

// Tracker files issues.
type Tracker interface {
	CreateIssue(ctx context.Context, issue tracker.Issue) (string, error)
}

// Registrar is implemented by the workflow engine.
type Registrar interface {
	RegisterActivity(name string, fn api.ActivityFunc) error
}

type SendMessageArgs struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type SendMessageResult struct {
	Timestamp string `json:"ts"`
	Channel   string `json:"channel"`
}

type AddReactionArgs struct {
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
	Emoji     string `json:"emoji"`
}

type AddReactionResult struct {
	OK bool `json:"ok"`
}

type LookupUserArgs struct {
	Email string `json:"email"`
}

type LookupUserResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	RealName string `json:"real_name"`
}

type CreateIssueArgs struct {
	IssueType   string `json:"issue_type"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type CreateIssueResult struct {
	IssueKey string `json:"issue_key"`
}

// Activities binds the handlers to their clients. Tracker may be nil when
// Jira is not configured; create_issue then fails without retrying.
type Activities struct {
	Chat    Chat
	Tracker Tracker
	Logger  *slog.Logger
}

// Register adds every handler to r.
func (a *Activities) Register(r Registrar) error {
	handlers := []struct {
		name string
		fn   api.ActivityFunc
	}{
		{SendMessage, a.SendMessage},
		{AddReaction, a.AddReaction},
		{LookupUserByEmail, a.LookupUserByEmail},
		{CreateIssue, a.CreateIssue},
	}
	for _, h := range handlers {
		if err := r.RegisterActivity(h.name, h.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Activities) logger(ctx context.Context) *slog.Logger {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	return logging.LogWith(ctx, l)
}

func decodeArgs(args api.Payload, out any) error {
	if err := args.Decode(out); err != nil {
		return api.NewNonRetryableError(ErrTypeInvalidArgs, "cannot decode arguments", err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return api.NewNonRetryableError(ErrTypeInvalidArgs, field+" is required", nil)
	}
	return nil
}

func (a *Activities) SendMessage(ctx context.Context, args api.Payload) (api.Payload, error) {
	var in SendMessageArgs
	if err := decodeArgs(args, &in); err != nil {
		return api.Payload{}, err
	}
	if err := required("channel", in.Channel); err != nil {
		return api.Payload{}, err
	}

	msg, err := a.Chat.SendMessage(ctx, in.Channel, in.Text)
	if err != nil {
		a.logger(ctx).Warn("send_message_failed", slog.String("channel", in.Channel), slog.Any("error", err))
		return api.Payload{}, classifyChat(err)
	}
	return api.NewPayload(SendMessageResult{Timestamp: msg.Timestamp, Channel: msg.Channel})
}

func (a *Activities) AddReaction(ctx context.Context, args api.Payload) (api.Payload, error) {
	var in AddReactionArgs
	if err := decodeArgs(args, &in); err != nil {
		return api.Payload{}, err
	}
	if err := required("message_ts", in.MessageTS); err != nil {
		return api.Payload{}, err
	}

	if err := a.Chat.AddReaction(ctx, in.Channel, in.MessageTS, in.Emoji); err != nil {
		// An earlier attempt may already have reacted.
		if code, ok := chat.APIErrorCode(err); ok && code == "already_reacted" {
			return api.NewPayload(AddReactionResult{OK: true})
		}
		a.logger(ctx).Warn("add_reaction_failed", slog.String("emoji", in.Emoji), slog.Any("error", err))
		return api.Payload{}, classifyChat(err)
	}
	return api.NewPayload(AddReactionResult{OK: true})
}

func (a *Activities) LookupUserByEmail(ctx context.Context, args api.Payload) (api.Payload, error) {
	var in LookupUserArgs
	if err := decodeArgs(args, &in); err != nil {
		return api.Payload{}, err
	}
	if err := required("email", in.Email); err != nil {
		return api.Payload{}, err
	}

	u, err := a.Chat.LookupUserByEmail(ctx, in.Email)
	if err != nil {
		return api.Payload{}, classifyChat(err)
	}
	return api.NewPayload(LookupUserResult{UserID: u.ID, Username: u.Name, RealName: u.RealName})
}

func (a *Activities) CreateIssue(ctx context.Context, args api.Payload) (api.Payload, error) {
	var in CreateIssueArgs
	if err := decodeArgs(args, &in); err != nil {
		return api.Payload{}, err
	}
	if err := required("summary", in.Summary); err != nil {
		return api.Payload{}, err
	}
	if a.Tracker == nil {
		return api.Payload{}, api.NewNonRetryableError(ErrTypeInvalidIssue, "issue tracker is not configured", nil)
	}
	issueType := in.IssueType
	if issueType == "" {
		issueType = "Task"
	}

	key, err := a.Tracker.CreateIssue(ctx, tracker.Issue{Type: issueType, Summary: in.Summary, Description: in.Description})
	if err != nil {
		a.logger(ctx).Warn("create_issue_failed", slog.Any("error", err))
		return api.Payload{}, classifyTracker(err)
	}
	a.logger(ctx).Info("issue_created", slog.String("issue_key", key))
	return api.NewPayload(CreateIssueResult{IssueKey: key})
}

