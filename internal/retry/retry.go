// Package retry implements the gateway's attempt loop: a configurable
// wait schedule and a retryable-error predicate wrapped around an
// arbitrary operation.
package retry

import (
	"context"
	"time"
)

// Op is the operation being retried.
type Op func(ctx context.Context, attempt int) error

// Wait returns the number of seconds to sleep after the given attempt
// fails, before the next one (1-indexed; Do calls Wait(n) between attempt
// n and attempt n+1, and never after the final attempt).
type Wait func(attempt int) float64

// Constant returns a Wait that always returns seconds.
func Constant(seconds float64) Wait {
	return func(int) float64 { return seconds }
}

// Sequence returns a Wait that walks a fixed list of waits, indexed by
// attempt-1, reusing the last entry once the list is exhausted.
func Sequence(waits []float64) Wait {
	return func(attempt int) float64 {
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(waits) {
			idx = len(waits) - 1
		}
		if idx < 0 {
			return 0
		}
		return waits[idx]
	}
}

// Expo returns a Wait implementing exponential backoff starting at 1s:
// 1, 2, 4, 8, ... seconds before attempts 2, 3, 4, 5, ...
func Expo() Wait {
	return func(attempt int) float64 {
		d := 1.0
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// RetryOn is a predicate classifying whether err should trigger another
// attempt. Non-matching errors propagate immediately without consuming
// a retry.
type RetryOn func(err error) bool

// AlwaysRetry retries on any non-nil error.
func AlwaysRetry(error) bool { return true }

// Do runs op up to maxAttempts times. Sleeps occur between attempts, not
// before the first. If op succeeds (returns nil), Do returns nil
// immediately. If op fails with an error retryOn rejects, Do returns
// that error immediately without further attempts. After maxAttempts
// failures, Do returns the final error.
func Do(ctx context.Context, op Op, maxAttempts int, wait Wait, retryOn RetryOn) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if retryOn == nil {
		retryOn = AlwaysRetry
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryOn(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		seconds := 0.0
		if wait != nil {
			seconds = wait(attempt)
		}
		if seconds <= 0 {
			continue
		}

		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
