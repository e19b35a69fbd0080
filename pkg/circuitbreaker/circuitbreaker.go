package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker. Closed passes calls through, Open rejects them,
// HalfOpen lets a bounded number of trial calls probe the backend.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker thresholds.
type Config struct {
	FailureThreshold    int           // consecutive failures that trip the breaker
	SuccessThreshold    int           // trial successes needed to close again
	Timeout             time.Duration // how long to stay open before probing
	MaxRequestsHalfOpen int           // concurrent trial calls allowed while half-open
}

// DefaultConfig trips after 5 failures and probes again after 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker sheds load from a failing dependency. Calls go through
// Execute or ExecuteWithResult; once the failure threshold is hit the
// breaker rejects calls outright until the timeout elapses, then admits a
// few probes before deciding whether to close.
type CircuitBreaker struct {
	config Config

	mu               sync.RWMutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	changedAt        time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:    config,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// OnStateChange registers a callback invoked on every transition. The
// callback runs on its own goroutine so it may call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := cb.ExecuteWithResult(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult is Execute for calls that produce a value.
func (cb *CircuitBreaker) ExecuteWithResult(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if !cb.admit() {
		return nil, fmt.Errorf("%w (state %s)", ErrOpen, cb.GetState())
	}

	result, err := fn()
	if err != nil {
		cb.recordFailure()
		return nil, fmt.Errorf("circuit breaker execution failed: %w", err)
	}
	cb.recordSuccess()
	return result, nil
}

// admit decides whether a call may proceed, moving Open to HalfOpen once
// the timeout has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.changedAt) < cb.config.Timeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight++
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxRequestsHalfOpen {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch {
	case cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold:
		cb.transition(StateOpen)
	case cb.state == StateHalfOpen:
		// One failed probe is enough evidence the backend is still down.
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.successes++

	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

// transition switches state, resets counters, and fires the callback.
// Caller holds cb.mu.
func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(prev, next)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot of the breaker counters.
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

// GetStats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:            cb.state,
		FailureCount:     cb.failures,
		SuccessCount:     cb.successes,
		HalfOpenRequests: cb.halfOpenInFlight,
		LastFailureTime:  cb.lastFailure,
		StateChangeTime:  cb.changedAt,
	}
}

// Reset forces the breaker closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
