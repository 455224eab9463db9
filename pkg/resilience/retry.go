package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable limits which errors are retried. Nil retries every error.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// SingleShot allows exactly one immediate retry for errors accepted by retryable.
func SingleShot(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{MaxRetries: 1, Retryable: retryable}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. attempt is 0 for the first call.
func (r RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(i)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		if r.Backoff > 0 {
			select {
			case <-time.After(r.Backoff):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}
