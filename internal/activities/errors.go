package activities

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/petrijr/hookflow/internal/chat"
	"github.com/petrijr/hookflow/internal/tracker"
	"github.com/petrijr/hookflow/pkg/api"
)

// Application error types reported by the activities. Retry policies may
// list them in NonRetryableErrorKinds.
const (
	ErrTypeRateLimited  = "RateLimited"
	ErrTypeUnavailable  = "Unavailable"
	ErrTypeNetwork      = "Network"
	ErrTypeUserNotFound = "UserNotFound"
	ErrTypeSlackAPI     = "SlackAPIError"
	ErrTypeInvalidIssue = "InvalidIssue"
	ErrTypeInvalidArgs  = "InvalidArguments"
)

// Slack error codes that describe a temporary condition on Slack's side.
var transientSlackCodes = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
}

// classifyChat maps a chat client failure onto the retry taxonomy. Context
// errors pass through untouched so the executor can report timeouts.
func classifyChat(err error) error {
	if err == nil || isContextErr(err) {
		return err
	}
	if _, ok := chat.RetryAfter(err); ok {
		return api.NewApplicationError(ErrTypeRateLimited, "slack rate limit", err)
	}
	if code, ok := chat.StatusCode(err); ok {
		return classifyStatus(code, ErrTypeSlackAPI, err)
	}
	if code, ok := chat.APIErrorCode(err); ok {
		switch {
		case code == "users_not_found":
			return api.NewNonRetryableError(ErrTypeUserNotFound, code, err)
		case code == "ratelimited":
			return api.NewApplicationError(ErrTypeRateLimited, code, err)
		case transientSlackCodes[code]:
			return api.NewApplicationError(ErrTypeUnavailable, code, err)
		}
		return api.NewNonRetryableError(ErrTypeSlackAPI, code, err)
	}
	if isNetworkErr(err) {
		return api.NewApplicationError(ErrTypeNetwork, "slack unreachable", err)
	}
	return err
}

// classifyTracker maps a tracker client failure onto the retry taxonomy.
func classifyTracker(err error) error {
	if err == nil || isContextErr(err) {
		return err
	}
	var httpErr *tracker.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode, ErrTypeInvalidIssue, err)
	}
	if isNetworkErr(err) {
		return api.NewApplicationError(ErrTypeNetwork, "jira unreachable", err)
	}
	return err
}

// classifyStatus treats 429 and 5xx as retryable and any other status as a
// final rejection of type clientType.
func classifyStatus(code int, clientType string, err error) error {
	switch {
	case code == http.StatusTooManyRequests:
		return api.NewApplicationError(ErrTypeRateLimited, http.StatusText(code), err)
	case code >= 500:
		return api.NewApplicationError(ErrTypeUnavailable, http.StatusText(code), err)
	}
	return api.NewNonRetryableError(clientType, http.StatusText(code), err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isNetworkErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
