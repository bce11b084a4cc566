package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds the exponential backoff applied to transient backend
// failures. Only errors matching IsRetryable are retried; everything else
// surfaces immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Each subsequent retry
	// doubles it. Default: 50ms
	BaseDelay time.Duration

	// MaxDelay caps the per-retry delay. Default: 2s
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used at the hybrid storage boundary.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Context cancellation aborts the wait between
// attempts and is reported as ErrTimeout when the deadline was exceeded.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = policy.normalize()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return classifyCtxErr(err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BaseDelay << (attempt - 1)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		// Jitter spreads out retries from concurrent callers.
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

		select {
		case <-ctx.Done():
			return classifyCtxErr(ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// classifyCtxErr maps context errors onto the storage taxonomy.
func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
