// Package retry wraps store operations with bounded, deterministic exponential backoff.
package retry

import (
	"context"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
)

const (
	defaultMaxAttempts   = 3
	defaultDelay         = time.Second
	defaultBackoffFactor = 2.0
)

// DefaultRetryableCodes lists the transient codes retried when Options.RetryableCodes is empty.
var DefaultRetryableCodes = []apperrors.Code{
	apperrors.CodeNetwork,
	apperrors.CodeDeadlineExceeded,
	apperrors.CodeUnavailable,
}

// Options configures a retry policy. Zero values fall back to the defaults
// (3 attempts, 1s initial delay, factor 2).
type Options struct {
	MaxAttempts    int
	Delay          time.Duration
	BackoffFactor  float64
	RetryableCodes []apperrors.Code
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Policy is a resolved set of options. The zero Policy uses the defaults.
type Policy struct {
	maxAttempts int
	delay       time.Duration
	factor      float64
	codes       []apperrors.Code
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewPolicy resolves opts against the defaults.
func NewPolicy(opts Options) Policy {
	policy := Policy{
		maxAttempts: opts.MaxAttempts,
		delay:       opts.Delay,
		factor:      opts.BackoffFactor,
		codes:       opts.RetryableCodes,
		sleep:       opts.Sleep,
	}
	if policy.maxAttempts <= 0 {
		policy.maxAttempts = defaultMaxAttempts
	}
	if policy.delay < 0 {
		policy.delay = 0
	}
	if opts.Delay == 0 {
		policy.delay = defaultDelay
	}
	if policy.factor < 1 {
		policy.factor = defaultBackoffFactor
	}
	if len(policy.codes) == 0 {
		policy.codes = DefaultRetryableCodes
	}
	if policy.sleep == nil {
		policy.sleep = sleepContext
	}
	return policy
}

// MaxAttempts returns the attempt ceiling.
func (p Policy) MaxAttempts() int {
	if p.maxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.maxAttempts
}

// WorstCaseDelay is the total time slept when every attempt fails with a retryable error.
func (p Policy) WorstCaseDelay() time.Duration {
	var total time.Duration
	delay := p.delay
	for attempt := 1; attempt < p.maxAttempts; attempt++ {
		total += delay
		delay = time.Duration(float64(delay) * p.factor)
	}
	return total
}

// Retryable reports whether err carries a whitelisted code.
func (p Policy) Retryable(err error) bool {
	return slices.Contains(p.codes, apperrors.CodeOf(err))
}

// Do runs operation until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// Do runs operation with a policy built from opts.
func Do(ctx context.Context, opts Options, operation func(ctx context.Context) error) error {
	return NewPolicy(opts).Do(ctx, operation)
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, policy Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy.maxAttempts <= 0 {
		policy = NewPolicy(Options{})
	}
	delay := policy.delay
	var lastErr error
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		value, err := operation(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !policy.Retryable(err) || attempt == policy.maxAttempts {
			break
		}
		if sleepErr := policy.sleep(ctx, delay); sleepErr != nil {
			return zero, lastErr
		}
		delay = time.Duration(float64(delay) * policy.factor)
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
