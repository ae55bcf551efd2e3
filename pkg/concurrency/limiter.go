package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker rejects work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter activity
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds how many operation dispatches run at once. It is shared by
// every transaction of an interpreter, including nested ones.
type Limiter struct {
	sem            chan struct{}
	active         int64
	acquired       int64
	released       int64
	rejected       int64
	peak           int64
	waitNs         int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter with the default circuit breaker
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(DefaultFailureThreshold, DefaultResetTimeout))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(DefaultFailureThreshold, DefaultResetTimeout)
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// NewLimiterFromConfig builds a limiter from loaded configuration
func NewLimiterFromConfig(cfg *Config) *Limiter {
	return NewLimiterWithCircuitBreaker(cfg.MaxConcurrent, NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout))
}

// Acquire takes a slot, waiting until one frees up or ctx ends
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.circuitBreaker.Allow() {
		atomic.AddInt64(&l.rejected, 1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.waitNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.acquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.released, 1)
	default:
	}
}

// Run executes fn in the caller's goroutine while holding a slot and feeds
// the outcome to the circuit breaker
func (l *Limiter) Run(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}
	l.circuitBreaker.RecordSuccess()
	return nil
}

// CurrentActive returns the number of slots in use
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a snapshot of the limiter's counters
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.acquired),
		TotalReleased:   atomic.LoadInt64(&l.released),
		TotalRejected:   atomic.LoadInt64(&l.rejected),
		PeakConcurrent:  atomic.LoadInt64(&l.peak),
		TotalWaitTimeNs: atomic.LoadInt64(&l.waitNs),
	}
}

// GetAverageWaitTime returns the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// CircuitBreaker exposes the breaker guarding this limiter
func (l *Limiter) CircuitBreaker() *CircuitBreaker {
	return l.circuitBreaker
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peak)
		if current <= peak || atomic.CompareAndSwapInt64(&l.peak, peak, current) {
			return
		}
	}
}
