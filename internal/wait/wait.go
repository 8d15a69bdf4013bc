// Package wait provides a bounded predicate wait: a monotonic-deadline
// poll loop that replaces ad-hoc sleep/retry spins with a typed timeout.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the deadline passes before the condition
// holds.
var ErrTimeout = errors.New("wait: condition not met before deadline")

// Until polls cond every interval until it returns true, the timeout
// elapses, or the context is cancelled. The condition is checked once
// before any sleep.
func Until(ctx context.Context, timeout, interval time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
