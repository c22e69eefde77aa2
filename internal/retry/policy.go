package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how many times a failed operation is retried and how long
// to wait between tries. Limit counts retries, so the operation runs at most
// Limit+1 times.
type Policy struct {
	Limit       int
	Interval    time.Duration
	MaxInterval time.Duration
	Exponential bool
	Jitter      bool
}

// Interval retries limit times with a fixed pause.
func Interval(limit int, interval time.Duration) Policy {
	return Policy{Limit: limit, Interval: interval}
}

// Exponential retries limit times, doubling the pause from min up to max.
func Exponential(limit int, min, max time.Duration) Policy {
	return Policy{Limit: limit, Interval: min, MaxInterval: max, Exponential: true, Jitter: true}
}

// None runs the operation once.
func None() Policy {
	return Policy{}
}

func (p Policy) MaxAttempts() int {
	if p.Limit < 0 {
		return 1
	}
	return p.Limit + 1
}

// Delay is the pause before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	d := p.Interval
	if p.Exponential {
		d = CappedDelay(p.Interval, p.MaxInterval, retry-1)
	}
	if p.Jitter {
		d = EqualJitter(d)
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned by Do once no attempts are left, or when the
// operation reported a permanent failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a permanent error, or the policy runs
// out of retries. attempt passed to fn starts at 1. A cancelled context aborts
// the wait and is returned as is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("retry aborted after attempt %d (%v): %w", attempt, lastErr, err)
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
