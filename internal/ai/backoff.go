package ai

import (
	"context"
	"time"
)

// RetryConfig controls the executor's retry loop.
type RetryConfig struct {
	Retries    int
	RetryDelay time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Retries:    3,
		RetryDelay: 400 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// delay returns the wait before the next attempt. Ordinary failures back off
// linearly; rate limits back off exponentially, honouring Retry-After.
func (c RetryConfig) delay(attempt int, rateLimited bool, retryAfter time.Duration) time.Duration {
	var d time.Duration
	if rateLimited {
		d = c.RetryDelay << uint(attempt)
		if retryAfter > d {
			d = retryAfter
		}
	} else {
		d = c.RetryDelay * time.Duration(attempt+1)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the production SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
