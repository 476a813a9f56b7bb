package query

import (
	"context"
	"errors"
	"time"
)

// RetryConfig configures automatic retries of failed fetches.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Delay is the fixed pause before each retry.
	Delay time.Duration
}

// DefaultRetryConfig retries once after one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		Delay:      time.Second,
	}
}

// do runs fn until it succeeds or the retry budget is spent. Cancellation and
// undecodable responses are never retried.
func (rc RetryConfig) do(ctx context.Context, fn func(context.Context) (any, error), onRetry func(attempt int, err error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if rc.Delay > 0 {
				timer := time.NewTimer(rc.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, lastErr
				case <-timer.C:
				}
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var df decodeFailure
	return !errors.As(err, &df)
}
