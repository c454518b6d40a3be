package oracle

import (
	"sync"
	"time"
)

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker stops calling a failing price feed for resetTimeout after
// threshold consecutive failures.
type CircuitBreaker struct {
	mu              sync.RWMutex
	failures        int
	lastFailure     time.Time
	state           string
	threshold       int // failures before opening
	resetTimeout    time.Duration
	halfOpenMaxReqs int // trial calls allowed while half-open
	halfOpenReqs    int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		resetTimeout:    resetTimeout,
		state:           StateClosed,
		halfOpenMaxReqs: 3,
	}
}

// Allow reports whether the feed may be called.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

// RecordFailure counts a failure, opening the breaker at the threshold or on
// any failed half-open trial call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.state = StateOpen
	}
}

// Release returns an allowed call that ended without an outcome, freeing
// its half-open trial slot.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenReqs > 0 {
		cb.halfOpenReqs--
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
