package concurrency

import (
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker
type BreakerState int

const (
	// BreakerClosed lets every call through
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown has elapsed
	BreakerOpen
	// BreakerHalfOpen lets calls through as probes; one failure reopens
	BreakerHalfOpen
)

// probesToClose is the number of successful half-open calls that close the breaker
const probesToClose = 5

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops outbound platform calls after a run of consecutive
// failures and lets them resume once the platform answers again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	probes    int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time

	now      func() time.Time
	onChange func(from, to BreakerState)
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again after cooldown. Non-positive values fall back to 10 and 30s.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 10
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers fn to be called after every transition.
// fn runs with the breaker locked and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may be made now
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(BreakerHalfOpen)
	}
	return cb.state != BreakerOpen
}

// RecordSuccess resets the failure run and counts half-open probes
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != BreakerHalfOpen {
		return
	}
	cb.probes++
	if cb.probes >= probesToClose {
		cb.transition(BreakerClosed)
	}
}

// RecordFailure extends the failure run, opening the breaker at the threshold
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	case BreakerClosed:
		if cb.failures >= cb.threshold {
			cb.transition(BreakerOpen)
		}
	}
}

// State returns the current position, moving to half-open if the cooldown has passed
func (cb *CircuitBreaker) State() BreakerState {
	cb.Allow()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probes = 0
	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
	case BreakerClosed:
		cb.failures = 0
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
