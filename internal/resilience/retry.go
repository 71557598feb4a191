package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts, including the first
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
	Jitter            bool          // Whether to add up to 25% jitter to backoff
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// Retry executes fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. Backoff sleeps are abandoned as soon as ctx is cancelled.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Cancellation is never retried
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		sleepDuration := backoff
		if config.Jitter {
			sleepDuration += time.Duration(float64(sleepDuration) * 0.25 * rand.Float64())
		}
		if sleepDuration > config.MaxBackoff {
			sleepDuration = config.MaxBackoff
		}

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

var retryableMessages = []string{
	// Connection errors
	"connection refused",
	"connection reset",
	"connection closed",
	"transport is closing",
	"unavailable",
	"network is unreachable",
	"no route to host",
	"unexpected eof",
	// Timeout errors
	"deadline exceeded",
	"timeout",
	// Resource exhaustion (may be temporary)
	"resource exhausted",
	"too many connections",
	"too many requests",
	"rate limit",
}

// IsRetryableNetworkError checks if an error is a retryable network error
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, msg := range retryableMessages {
		if strings.Contains(errStr, msg) {
			return true
		}
	}
	return false
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
