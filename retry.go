package hookflow

import (
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use in ActivityOptions or WithDefaultRetryPolicy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts. maxAttempts
// includes the first attempt; values below 1 are rejected by Policy.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - coefficient > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(time.Second, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, coefficient float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaxInterval = max
	if coefficient <= 0 {
		coefficient = 2.0
	}
	p.BackoffCoefficient = coefficient
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaxInterval = delay
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialInterval = 0
	p.MaxInterval = 0
	p.BackoffCoefficient = 0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// WithJitter shortens each delay by a random fraction of at most frac.
func (r RetryBuilder) WithJitter(frac float64) RetryBuilder {
	p := r.policy
	p.Jitter = frac
	return RetryBuilder{policy: p}
}

// NonRetryable stops retrying on errors of the given kinds or application
// error types.
func (r RetryBuilder) NonRetryable(types ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrorKinds = append(append([]string(nil), p.NonRetryableErrorKinds...), types...)
	return RetryBuilder{policy: p}
}

// Policy validates and returns the underlying RetryPolicy. An invalid
// configuration, such as maxAttempts <= 0, fails with ErrInvalidRetryPolicy.
func (r RetryBuilder) Policy() (RetryPolicy, error) {
	return api.NewRetryPolicy(r.policy)
}

// MustPolicy is like Policy but panics on an invalid configuration.
func (r RetryBuilder) MustPolicy() RetryPolicy {
	p, err := r.Policy()
	if err != nil {
		panic(err)
	}
	return p
}
