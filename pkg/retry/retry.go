package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls the backoff schedule and which errors are worth retrying.
// With Enabled false the function runs exactly once.
type Config struct {
	Enabled            bool
	MaxAttempts        int           // retries after the first call
	InitialDelay       time.Duration // delay before the first retry
	MaxDelay           time.Duration // backoff ceiling
	Multiplier         float64       // backoff growth factor
	Jitter             bool          // randomize delays to spread out competing clients
	RetryableErrors    []error       // when set, only these errors are retried
	NonRetryableErrors []error       // these errors fail immediately
}

// DefaultConfig retries three times with 100ms initial backoff doubling up
// to 5s, jittered.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry runs fn until it succeeds, the attempt budget runs out, or ctx is
// cancelled. Delays between attempts grow exponentially per cfg.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value alongside the
// error. The zero value is returned on failure.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if matchesAny(err, cfg.NonRetryableErrors) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if len(cfg.RetryableErrors) > 0 && !matchesAny(err, cfg.RetryableErrors) {
			return zero, fmt.Errorf("error not in retryable list: %w", err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(backoff(cfg, attempt)):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// backoff returns the delay before retry number attempt, capped at MaxDelay.
// Jitter shifts the delay by up to 25% either way.
func backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	if cfg.Jitter {
		delay += delay * (rand.Float64()*0.5 - 0.25)
	}
	return time.Duration(delay)
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
