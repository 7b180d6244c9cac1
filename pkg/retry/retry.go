// Package retry implements the exponential backoff policy used by the
// mirror pipeline stages.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy computes backoff delays and bounds the attempt budget.
//
// The policy is pure: Delay and Allowed have no state, so one Policy value
// can be shared by every stage of every job.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Default matches the tool's historical behavior: 5s, 10s, 20s, give up.
func Default() Policy {
	return Policy{BaseDelay: 5 * time.Second, MaxAttempts: 3}
}

// Delay returns the backoff before the given 1-based attempt is retried:
// BaseDelay * 2^(attempt-1). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << uint(attempt-1)
}

// Allowed reports whether the given 1-based attempt may run.
func (p Policy) Allowed(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying. Do returns it
// immediately, unwrapped, instead of burning the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. It stops early when fn succeeds or ctx is cancelled; the
// cancellation check sits between attempts so a stop request never waits
// out a backoff sleep. The error from the final attempt is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var err error
	for attempt := 1; p.Allowed(attempt); attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !p.Allowed(attempt + 1) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
