// Package retry wraps fallible remote operations with policy-driven
// exponential backoff. Rate-limit signals override the computed delay with
// the store's own wait directive, routed through the rate governor.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/driftbox/driftbox/internal/ratelimit"
	"github.com/driftbox/driftbox/internal/remote"
)

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to remote.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy mirrors what the remote store tolerates well: a few attempts
// with a short capped backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return remote.IsRetryable(err)
}

// delayFor computes min(initial * multiplier^(attempt-1), max) for the given
// 1-based attempt number.
func (p Policy) delayFor(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Executor runs operations under a Policy, consulting the governor both
// before each attempt and when the store reports throttling.
type Executor struct {
	Policy   Policy
	Governor *ratelimit.Governor
	// sleep hook for tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(policy Policy, governor *ratelimit.Governor) *Executor {
	return &Executor{Policy: policy, Governor: governor, sleep: sleepCtx}
}

// Do runs op until it succeeds, exhausts attempts, or fails with a
// non-retryable error. Non-retryable errors propagate immediately without
// any delay.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.Policy.MaxAttempts; attempt++ {
		if e.Governor != nil {
			if err := e.Governor.Acquire(ctx); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !e.Policy.retryable(lastErr) {
			return lastErr
		}
		if attempt == e.Policy.MaxAttempts {
			break
		}

		delay := e.Policy.delayFor(attempt)
		var rle *remote.RateLimitError
		if errors.As(lastErr, &rle) && e.Governor != nil {
			// the store told us how long to back off; believe it
			delay = e.Governor.NoteLimited(rle.Directive)
		}

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
