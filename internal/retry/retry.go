// Package retry runs platform REST calls with exponential backoff.
// Only errors the errors package classifies as retryable are tried
// again; auth failures and validation rejects surface immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	perrors "github.com/clawdbot/qqgateway/internal/errors"
)

// Throttled calls wait at least this long so the platform's rate
// window has a chance to reset before the next try.
const rateLimitFloor = time.Second

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// UploadConfig returns the retry profile for media uploads, which sit on the
// user-visible reply path and cannot afford long stalls.
func UploadConfig() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
	}
}

// Do executes fn until it succeeds, the error stops being retryable,
// or cfg.MaxAttempts runs out. A context cancelled before an attempt
// skips the call entirely.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nextDelay(cfg, attempt, lastErr)):
		}
	}
	return lastErr
}

// nextDelay computes the wait after a failed attempt (1-based).
func nextDelay(cfg Config, attempt int, err error) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	if perrors.IsRateLimited(err) && delay < rateLimitFloor {
		delay = rateLimitFloor
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
