package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig controls the bounded exponential backoff applied between
// reconnection attempts.
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig returns a sensible default for streaming sessions.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Second,
	}
}

// ReconnectFunc attempts a single reconnection.
type ReconnectFunc func() error

// OnAttempt is invoked before each sleep with the attempt number (1-based)
// and the error that caused it. Callers use it for metrics.
type OnAttempt func(attempt int, err error)

// Reconnect runs fn until it succeeds, the attempt budget is exhausted, or
// the context is cancelled. Backoff grows by Multiplier up to MaxBackoff.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig, log zerolog.Logger, onAttempt OnAttempt) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	backoff := config.Backoff

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("reconnected")
			}
			return nil
		}

		if onAttempt != nil {
			onAttempt(attempt, lastErr)
		}

		if attempt == config.MaxAttempts {
			break
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("reconnection attempt failed, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts: %w", config.MaxAttempts, lastErr)
}
