package api

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when no run exists for a workflow id.
	ErrRunNotFound = errors.New("hookflow: run not found")

	// ErrUnknownWorkflow is returned when starting a workflow type that was
	// never registered.
	ErrUnknownWorkflow = errors.New("hookflow: unknown workflow type")

	// ErrWorkflowAlreadyClosed is returned by Start when the workflow id
	// belongs to a closed run and the engine rejects id reuse.
	ErrWorkflowAlreadyClosed = errors.New("hookflow: workflow id already used by a closed run")

	// ErrRunClosed is returned when signalling or appending to a run that
	// has already reached a terminal status.
	ErrRunClosed = errors.New("hookflow: run is closed")

	// ErrUnavailable marks failures of the orchestration layer itself
	// (store unreachable, engine shut down). Callers may retry later.
	ErrUnavailable = errors.New("hookflow: workflow service unavailable")

	// ErrEngineClosed is returned by every Engine method after Close.
	ErrEngineClosed = fmt.Errorf("%w: engine closed", ErrUnavailable)

	// ErrInvalidRetryPolicy is returned when a RetryPolicy fails validation.
	ErrInvalidRetryPolicy = errors.New("hookflow: invalid retry policy")

	// ErrSuspended is returned from WorkflowContext calls whose outcome is
	// not yet in history. Workflow code should return it unchanged.
	ErrSuspended = errors.New("hookflow: workflow suspended")
)

// ErrorKind classifies why an activity or run failed.
type ErrorKind string

const (
	ErrorKindTimeout        ErrorKind = "Timeout"
	ErrorKindHandlerError   ErrorKind = "HandlerError"
	ErrorKindNotFound       ErrorKind = "NotFound"
	ErrorKindNondeterminism ErrorKind = "Nondeterminism"
	ErrorKindPanic          ErrorKind = "Panic"
	ErrorKindWorkflowError  ErrorKind = "WorkflowError"
)

// ActivityError describes a failed activity as seen by workflow code, and as
// recorded in ActivityFailed events.
type ActivityError struct {
	// Kind is Timeout, HandlerError or NotFound.
	Kind ErrorKind
	// Type is the application error type reported by the handler, if any.
	Type string
	// Name is the activity name.
	Name    string
	Message string
	// Attempts is how many times the activity was tried.
	Attempts int
	// NonRetryable is set when the handler marked the failure as final.
	NonRetryable bool

	cause error
}

func (e *ActivityError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("activity %s failed (%s/%s): %s", e.Name, e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("activity %s failed (%s): %s", e.Name, e.Kind, e.Message)
}

func (e *ActivityError) Unwrap() error { return e.cause }

// NewActivityError builds an ActivityError of the given kind wrapping cause.
// Application type and retryability are copied from cause when it is (or
// wraps) an *ApplicationError.
func NewActivityError(kind ErrorKind, name string, cause error) *ActivityError {
	e := &ActivityError{Kind: kind, Name: name, cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	var appErr *ApplicationError
	if errors.As(cause, &appErr) {
		e.Type = appErr.Type
		e.Message = appErr.Message
		e.NonRetryable = appErr.NonRetryable
	}
	return e
}

// IsActivityError reports whether err is an *ActivityError and returns it.
func IsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ApplicationError is returned by activity handlers to attach a stable type
// name to a failure. Retry policies match NonRetryableErrorKinds against
// Type as well as against the ActivityError kind.
type ApplicationError struct {
	Type         string
	Message      string
	NonRetryable bool
	Cause        error
}

func (e *ApplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// NewApplicationError returns a retryable application error.
func NewApplicationError(typ, message string, cause error) *ApplicationError {
	return &ApplicationError{Type: typ, Message: message, Cause: cause}
}

// NewNonRetryableError returns an application error that stops retries
// regardless of the retry policy.
func NewNonRetryableError(typ, message string, cause error) *ApplicationError {
	return &ApplicationError{Type: typ, Message: message, NonRetryable: true, Cause: cause}
}

// WorkflowError is the error a failed run reports from Query.
type WorkflowError struct {
	Kind    ErrorKind
	Type    string
	Message string
}

func (e *WorkflowError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("workflow failed (%s/%s): %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("workflow failed (%s): %s", e.Kind, e.Message)
}
