package concurrency

import (
	"sync"
	"time"
)

// Defaults used when no configuration overrides them.
const (
	DefaultFailureThreshold = 100
	DefaultResetTimeout     = 30 * time.Second
	halfOpenSuccesses       = 5
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets every dispatch through
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects dispatches until the reset timeout passes
	StateOpen
	// StateHalfOpen lets dispatches through on probation
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops dispatching when operations keep failing, so a broken
// provider does not drag every transaction down with it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitBreakerState
	failures         int64
	successes        int64
	failureThreshold int64
	resetTimeout     time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and lets a trial call through after resetTimeout
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// OnStateChange registers a hook called on every transition
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow reports whether a dispatch may proceed, moving an open breaker to
// half-open once the reset timeout has passed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.transitionLocked(StateHalfOpen)
		return true
	}
	return false
}

// IsOpen returns true while dispatches are rejected
func (cb *CircuitBreaker) IsOpen() bool {
	return !cb.Allow()
}

// RecordSuccess records a successful dispatch
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= halfOpenSuccesses {
			cb.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure records a failed dispatch
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current run of failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
