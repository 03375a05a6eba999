package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/robotlink/internal/observability"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retryable reports whether a Connect error may succeed on another attempt.
// Version and config errors never do.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrSessionClosed)
}

// ConnectWithRetry is the caller-side reconnect policy: up to attempts calls
// to Connect, sleeping NextBackoffDelay(cfg.Backoff) between retryable
// failures.
func ConnectWithRetry(ctx context.Context, cfg Config, attempts int, rng *rand.Rand, opts ...Option) (*Session, error) {
	if attempts < 1 {
		attempts = 1
	}
	log := observability.Component("session")
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s, err := Connect(ctx, cfg, opts...)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == attempts {
			break
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("connect retry")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
