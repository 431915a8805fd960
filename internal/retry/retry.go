// Package retry implements the exponential-backoff retry helper used by
// the background refresher's internal attempt loop.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the background refresher's default bound: 3
// retries (4 attempts in all), backing off from 1s, capped at 10s.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second}
}

// CalculateDelay returns the exponential backoff delay for the given
// zero-based attempt index.
func CalculateDelay(attempt int, cfg Config) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Do runs fn up to cfg.MaxRetries+1 times, backing off between attempts.
// isRetryable decides whether a given error should be retried; if nil, all
// errors are treated as retryable. Do returns as soon as fn succeeds, as
// soon as isRetryable reports false, or once attempts are exhausted.
func Do(ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateDelay(attempt-1, cfg)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}
	}
	return fmt.Errorf("retry: attempts exhausted: %w", lastErr)
}
