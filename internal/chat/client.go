// Package chat wraps the Slack Web API calls hookflow's activities make.
// All calls on a Client share one rate limiter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/petrijr/hookflow/internal/logging"
)

// ErrMissingToken is returned by New when no bot token is configured.
var ErrMissingToken = errors.New("chat: slack bot token not found, set SLACK_BOT_TOKEN")

// Message identifies a posted message.
type Message struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// User is the subset of a Slack user profile the workflows need.
type User struct {
	ID       string `json:"user_id"`
	Name     string `json:"username"`
	RealName string `json:"real_name"`
	Email    string `json:"email"`
}

type Options struct {
	Token string
	// APIURL overrides the Slack endpoint, mainly for tests.
	APIURL string
	// RatePerSecond and Burst pace outgoing calls. Zero means 1/s, burst 1.
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	api     *slack.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, ErrMissingToken
	}
	var slackOpts []slack.Option
	if opts.APIURL != "" {
		u := opts.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		slackOpts = append(slackOpts, slack.OptionAPIURL(u))
	}

	limit := opts.RatePerSecond
	if limit <= 0 {
		limit = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:     slack.New(opts.Token, slackOpts...),
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		logger:  logger,
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chat: rate limiter: %w", err)
	}
	return nil
}

// SendMessage posts text to channel.
func (c *Client) SendMessage(ctx context.Context, channel, text string) (Message, error) {
	if err := c.wait(ctx); err != nil {
		return Message{}, err
	}
	logging.LogWith(ctx, c.logger).Info("slack_send_message", slog.String("channel", channel))

	ch, ts, err := c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return Message{}, fmt.Errorf("chat: post message to %s: %w", channel, err)
	}
	return Message{Channel: ch, Timestamp: ts}, nil
}

// AddReaction adds emoji (without colons) to the message at ts.
func (c *Client) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.LogWith(ctx, c.logger).Info("slack_add_reaction",
		slog.String("channel", channel),
		slog.String("message_ts", ts),
		slog.String("emoji", emoji),
	)

	if err := c.api.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channel, ts)); err != nil {
		return fmt.Errorf("chat: add reaction %s: %w", emoji, err)
	}
	return nil
}

// LookupUserByEmail resolves a workspace member by email address.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (User, error) {
	if err := c.wait(ctx); err != nil {
		return User{}, err
	}
	logging.LogWith(ctx, c.logger).Info("slack_lookup_user", slog.String("email", email))

	u, err := c.api.GetUserByEmailContext(ctx, email)
	if err != nil {
		return User{}, fmt.Errorf("chat: lookup user %s: %w", email, err)
	}
	return User{ID: u.ID, Name: u.Name, RealName: u.RealName, Email: email}, nil
}

// APIErrorCode returns the Slack error code ("users_not_found",
// "channel_not_found", ...) carried by err, if any.
func APIErrorCode(err error) (string, bool) {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err, true
	}
	return "", false
}

// RetryAfter reports whether err is a Slack rate-limit response and how long
// Slack asked the caller to wait.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// StatusCode returns the HTTP status of a non-200 Slack response.
func StatusCode(err error) (int, bool) {
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return sc.Code, true
	}
	return 0, false
}
