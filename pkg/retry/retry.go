// Package retry runs remote calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop. Retryable decides which errors are worth
// another attempt; everything else surfaces after the first try.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64
	Retryable       func(error) bool
	Logger          *slog.Logger
}

// DefaultPolicy is three attempts starting at one second and capped at thirty.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Jitter:          0.5,
		Retryable:       retryable,
	}
}

// Error is returned when the policy gave up. It records how many attempts
// were made and wraps the last failure.
type Error struct {
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("attempt %d failed permanently: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempts returns the number of attempts recorded in err, or 1 when err
// did not come from Do.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 1
}

// Do calls op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter

	attempts := 0
	permanent := false
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			permanent = true
			return *new(T), backoff.Permanent(err)
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.Logger != nil {
				p.Logger.Warn("Retrying after transient failure", "attempt", attempts, "wait", wait, "error", err)
			}
		}),
	)
	if err == nil {
		return res, nil
	}

	// the final attempt may still carry the Permanent wrapper
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	return res, &Error{Attempts: attempts, Exhausted: !permanent && attempts >= p.MaxAttempts, Err: err}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}
