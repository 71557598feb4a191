package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to (re)establish a connection
type ReconnectFunc func(ctx context.Context) error

// Reconnect attempts to connect with exponential backoff until fn succeeds,
// attempts run out, or ctx is done.
func Reconnect(ctx context.Context, name string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := observability.GetLogger().With().Str("component", name).Logger()

	backoff := config.Backoff
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				logger.Info().Int("attempts", attempt+1).Msg("Connection established after retries")
			}
			return nil
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("failed to connect %s after %d attempts: %w", name, config.MaxAttempts, lastErr)
}
