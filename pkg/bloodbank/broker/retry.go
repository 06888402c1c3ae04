package broker

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures reconnection backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Zero means retry until the context is done.
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultRetry retries until the caller's deadline.
var DefaultRetry = RetryConfig{
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// Retry calls fn until it succeeds, the attempts run out, or ctx is done.
// onRetry, if non-nil, is called with the failed attempt number and its error
// before sleeping. Returns the number of attempts made and the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultRetry.InitialBackoff
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	var lastErr error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(calculateBackoff(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * factor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return cfg.MaxAttempts, lastErr
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
