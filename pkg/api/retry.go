package api

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// RetryPolicy controls how an activity is retried when an attempt fails.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n (1-indexed) is
//
//	min(MaxInterval, InitialInterval * BackoffCoefficient^(n-1))
//
// reduced by a random fraction of at most Jitter when Jitter > 0.
//
// A policy is attached to a single activity invocation and never changes for
// the lifetime of that invocation.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval    time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval        time.Duration `json:"max_interval" yaml:"max_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient"`

	// NonRetryableErrorKinds lists ErrorKind values or application error
	// types that stop retrying immediately.
	NonRetryableErrorKinds []string `json:"non_retryable,omitempty" yaml:"non_retryable_error_kinds"`

	// Jitter in [0,1]; zero disables it.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter"`
}

// DefaultRetryPolicy mirrors the policy the request workflow has always used:
// three attempts, one second initial backoff doubling up to two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		MaxInterval:        2 * time.Second,
		BackoffCoefficient: 2.0,
	}
}

// NewRetryPolicy validates p and returns it. Invalid configuration fails
// here rather than being clamped at use.
func NewRetryPolicy(p RetryPolicy) (RetryPolicy, error) {
	if err := p.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return p, nil
}

// IsZero reports whether no field of the policy was set. Callers treat a
// zero policy as "use the default".
func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && p.InitialInterval == 0 && p.MaxInterval == 0 &&
		p.BackoffCoefficient == 0 && len(p.NonRetryableErrorKinds) == 0 && p.Jitter == 0
}

// Validate checks the policy for configuration errors.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts))
	}
	if p.InitialInterval < 0 {
		errs = append(errs, fmt.Errorf("initial interval must not be negative, got %s", p.InitialInterval))
	}
	if p.MaxInterval < 0 {
		errs = append(errs, fmt.Errorf("max interval must not be negative, got %s", p.MaxInterval))
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.InitialInterval {
		errs = append(errs, fmt.Errorf("max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval))
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		errs = append(errs, fmt.Errorf("backoff coefficient must be >= 1, got %g", p.BackoffCoefficient))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0,1], got %g", p.Jitter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRetryPolicy, errors.Join(errs...))
	}
	return nil
}

// Backoff returns the un-jittered delay before retry attempt+1, given that
// attempt (1-indexed) just failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialInterval <= 0 {
		return 0
	}
	coeff := p.BackoffCoefficient
	if coeff == 0 {
		coeff = 2.0
	}
	d := float64(p.InitialInterval) * math.Pow(coeff, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextDelay decides what happens after attempt (1-indexed) failed with err.
// It returns the delay before the next attempt and true, or false when the
// activity should not be retried.
func (p RetryPolicy) NextDelay(attempt int, err error) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if !p.IsRetryable(err) {
		return 0, false
	}
	d := p.Backoff(attempt)
	if p.Jitter > 0 && d > 0 {
		d -= time.Duration(rand.Float64() * p.Jitter * float64(d)) //nolint:gosec // jitter does not need crypto rand
	}
	return d, true
}

// IsRetryable reports whether err may be retried under this policy,
// ignoring the attempt budget.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		if appErr.NonRetryable || slices.Contains(p.NonRetryableErrorKinds, appErr.Type) {
			return false
		}
	}
	if ae, ok := IsActivityError(err); ok {
		if ae.NonRetryable || ae.Kind == ErrorKindNotFound {
			return false
		}
		if slices.Contains(p.NonRetryableErrorKinds, string(ae.Kind)) {
			return false
		}
		if ae.Type != "" && slices.Contains(p.NonRetryableErrorKinds, ae.Type) {
			return false
		}
	}
	return true
}
