package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Circuit is open, requests fail immediately
	StateHalfOpen                     // Testing if service has recovered
)

// CircuitBreaker implements the circuit breaker pattern around one remote collaborator
type CircuitBreaker struct {
	name          string
	maxFailures   int           // Number of failures before opening circuit
	resetTimeout  time.Duration // Time to wait before attempting half-open
	halfOpenMax   int           // Max requests in half-open state
	halfOpenCount int           // Current requests in half-open state

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	lastFailTime time.Time
	successCount int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3, // Allow 3 requests in half-open state
		state:        StateClosed,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Execute runs fn if the breaker admits it and records the outcome.
// A cancelled context is not counted as a collaborator failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.RecordResult(err == nil)
	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.promote(time.Now()) {
	case StateClosed:
		return true

	case StateHalfOpen:
		// Testing recovery - allow limited requests
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
	}
	return false
}

// release returns a half-open slot taken by a call whose outcome is unknown
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCount > 0 {
		cb.halfOpenCount--
	}
}

// promote moves an open circuit to half-open once the reset timeout elapsed.
// Caller must hold mu.
func (cb *CircuitBreaker) promote(now time.Time) CircuitState {
	if cb.state == StateOpen && now.Sub(cb.lastFailTime) >= cb.resetTimeout {
		cb.setState(StateHalfOpen)
		cb.halfOpenCount = 0
		cb.successCount = 0
	}
	return cb.state
}

// setState records a transition. Caller must hold mu.
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}
	cb.state = state
	observability.UpdateCircuitBreakerState(cb.name, int(state))
}

// RecordResult records the outcome of an admitted request
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.promote(time.Now())

	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

// recordSuccess records a successful request
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		// Reset failure count on success
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		// If we have enough successes, close the circuit
		if cb.successCount >= cb.halfOpenMax {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	}
}

// recordFailure records a failed request
func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailTime = time.Now()
	observability.IncrementCircuitBreakerFailures(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.setState(StateOpen)
		cb.halfOpenCount = 0
		cb.successCount = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.promote(time.Now())
}
