package xgt

import (
	"context"
	"time"
)

// RetryPolicy is applied by callers of the transport, never inside it.
type RetryPolicy struct {
	// Count is the number of retries after the first attempt.
	Count int
	Delay time.Duration
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. It returns the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= policy.Count {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if policy.Delay > 0 {
			t := time.NewTimer(policy.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
		}
	}
}
