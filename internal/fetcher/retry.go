package fetcher

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is exponential backoff capped at MaxDelay. Timeouts, network
// failures, 5xx, 408 and 429 are retried up to MaxRetries times. Any other
// 4xx is returned after the first attempt: a missing robots.txt or a removed
// press release will not reappear within the backoff window, and retrying
// it would hold a worker for the whole schedule.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns three retries at 1s, 2s, 4s (capped at 8s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
	}
}

// ShouldRetry decides whether a failed attempt (zero-based) gets another try.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	return retryable(err)
}

// Backoff returns min(BaseDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
