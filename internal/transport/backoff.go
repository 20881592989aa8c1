package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// BackoffConfig controls DialWithBackoff's retry schedule. Mirrors the
// exponential-backoff-with-jitter shape of the teacher's ConnectSignaling
// reconnect loop.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	if b.InitialDelay <= 0 {
		b.InitialDelay = 500 * time.Millisecond
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 30 * time.Second
	}
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	return b
}

// calculateBackoff returns the delay to use before retry attempt n
// (0-indexed): exponential, capped at MaxDelay, then given +/-20% jitter,
// so the result can exceed MaxDelay by up to a fifth.
func calculateBackoff(cfg BackoffConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}

	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// DialWithBackoff retries Dial with exponential backoff until it succeeds,
// ctx is done, or MaxAttempts is exhausted. It only re-establishes the raw
// transport; callers still owe the WAMP peer a fresh HELLO exchange after
// each successful reconnect, since WAMP session state is never resumed.
func DialWithBackoff(ctx context.Context, cfg Config, backoff BackoffConfig, logger *slog.Logger) (*Conn, error) {
	backoff = backoff.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; backoff.MaxAttempts == 0 || attempt < backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(backoff, attempt-1)
			logger.Warn("transport: retrying connection", "attempt", attempt, "delay", delay, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, err := Dial(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return nil, lastErr
}
