package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Stats is a snapshot of limiter activity
type Stats struct {
	Acquired  int64
	Released  int64
	Peak      int64
	TotalWait time.Duration
}

// AverageWait is the mean time a caller waited for a slot
func (s Stats) AverageWait() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Acquired)
}

// Limiter bounds in-flight calls to the remote platform and stops them
// altogether while its circuit breaker is open.
type Limiter struct {
	slots   chan struct{}
	breaker *CircuitBreaker

	active   atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter allows maxConcurrent calls at once behind a default breaker
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker allows maxConcurrent calls at once behind cb
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		breaker: cb,
	}
}

// Acquire waits for a call slot. It fails immediately with ErrCircuitOpen
// while the breaker is open, or with the context error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.breaker.Allow() {
		return fmt.Errorf("acquire call slot: %w", sdkerrors.ErrCircuitOpen)
	}

	start := time.Now()
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.waitNs.Add(int64(time.Since(start)))
	l.acquired.Add(1)
	current := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire
func (l *Limiter) Release() {
	select {
	case <-l.slots:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Record feeds the outcome of a call made between Acquire and Release into the circuit breaker
func (l *Limiter) Record(err error) {
	if err != nil {
		l.breaker.RecordFailure()
		return
	}
	l.breaker.RecordSuccess()
}

// Active is the number of slots currently held
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the counters
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:  l.acquired.Load(),
		Released:  l.released.Load(),
		Peak:      l.peak.Load(),
		TotalWait: time.Duration(l.waitNs.Load()),
	}
}

// BreakerState returns the breaker position as a string
func (l *Limiter) BreakerState() string {
	return l.breaker.State().String()
}
