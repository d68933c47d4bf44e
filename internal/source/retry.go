// Package source wraps upstream earthquake adapters with retries, a TTL
// cache, and a circuit breaker, and combines them into merged streams.
package source

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the attempts made against one upstream URL.
// Backoff grows linearly: the pause after attempt n is Backoff*n.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

// Do calls fn until it succeeds or the attempts are exhausted. Each call
// gets its own AttemptTimeout deadline. No pause follows the last attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = p.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("attempt %d/%d: %w", i, attempts, lastErr)
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff*time.Duration(i)); err != nil {
			return fmt.Errorf("attempt %d/%d: %w", i, attempts, lastErr)
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
