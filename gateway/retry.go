package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // Normal operation, requests pass through
	StateHalfOpen                     // Testing if the remote has recovered
	StateOpen                         // Requests fail fast
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without trying.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calls to the remote gateway after repeated failures so
// a dead partner endpoint does not tie up every worker in timeouts.
type CircuitBreaker struct {
	name              string
	maxFailures       int32
	resetTimeout      time.Duration
	halfOpenSuccess   int32
	state             int32 // atomic CircuitState
	failures          int32 // atomic consecutive failure count
	lastFailureTime   int64 // atomic unix nanos
	halfOpenSuccesses int32 // atomic
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, maxFailures int32, resetTimeout time.Duration, halfOpenSuccess int32) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		maxFailures:     maxFailures,
		resetTimeout:    resetTimeout,
		halfOpenSuccess: halfOpenSuccess,
		state:           int32(StateClosed),
	}
}

// canExecute checks whether the breaker allows a call right now. In the open
// state it transitions to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) canExecute() bool {
	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
		if time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
				atomic.StoreInt32(&cb.halfOpenSuccesses, 0)
				log.Printf("[breaker:%s] open -> half-open", cb.name)
			}
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	state := CircuitState(atomic.LoadInt32(&cb.state))
	failures := atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch state {
	case StateClosed:
		if failures >= cb.maxFailures {
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen)) {
				log.Printf("[breaker:%s] opening after %d failures", cb.name, failures)
			}
		}
	case StateHalfOpen:
		// Any failure in half-open reopens the circuit.
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
			atomic.StoreInt32(&cb.failures, 0)
			log.Printf("[breaker:%s] half-open -> open after failure", cb.name)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt32(&cb.failures, 0)
	case StateHalfOpen:
		successes := atomic.AddInt32(&cb.halfOpenSuccesses, 1)
		if successes >= cb.halfOpenSuccess {
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
				atomic.StoreInt32(&cb.failures, 0)
				atomic.StoreInt32(&cb.halfOpenSuccesses, 0)
				log.Printf("[breaker:%s] half-open -> closed after %d successes", cb.name, successes)
			}
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}

// RetryConfig holds retry-with-backoff parameters plus an optional breaker.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	CircuitBreaker *CircuitBreaker
}

// DefaultRetryConfig returns the parameters used for partner gateway calls.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		CircuitBreaker: NewCircuitBreaker(
			name,
			5,              // maxFailures
			30*time.Second, // resetTimeout
			2,              // halfOpenSuccess
		),
	}
}

// RetryWithBackoff executes fn with exponential backoff, consulting the
// breaker before each attempt.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if config.CircuitBreaker != nil && !config.CircuitBreaker.canExecute() {
			return ErrCircuitOpen
		}

		err := fn()
		if err == nil {
			if config.CircuitBreaker != nil {
				config.CircuitBreaker.recordSuccess()
			}
			return nil
		}
		lastErr = err
		if config.CircuitBreaker != nil {
			config.CircuitBreaker.recordFailure()
		}

		if attempt >= config.MaxAttempts {
			break
		}
		log.Printf("[retry] attempt %d/%d failed: %v, retrying in %v", attempt, config.MaxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
}
