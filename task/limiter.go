package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxWorkers caps concurrency whatever a supplier asks for.
const MaxWorkers = 20

func clampJobs(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Limiter is a resizable gate over a fixed set of workers. Worker i (1-based)
// may take new work only while i <= Allowed(); otherwise it parks on the
// condition variable until the ceiling rises, the limiter closes, or its
// context ends. Parked workers keep their goroutine, so growing the ceiling
// needs no restart and shrinking it never interrupts a running task.
type Limiter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	allowed int
	closed  bool
}

func NewLimiter(initial int) *Limiter {
	l := &Limiter{allowed: clampJobs(initial)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Set changes the ceiling and wakes parked workers when it changed.
func (l *Limiter) Set(n int) {
	n = clampJobs(n)
	l.mu.Lock()
	changed := n != l.allowed
	l.allowed = n
	l.mu.Unlock()
	if changed {
		l.cond.Broadcast()
	}
}

func (l *Limiter) Allowed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed
}

// Wait blocks worker ordinal until it is within the ceiling. It returns
// false when ctx is done or the limiter was closed.
func (l *Limiter) Wait(ctx context.Context, ordinal int) bool {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for ordinal > l.allowed && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	return !l.closed && ctx.Err() == nil
}

// Close releases every parked worker for good.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Monitor refreshes the ceiling from supplier every interval until ctx ends.
func (l *Limiter) Monitor(ctx context.Context, interval time.Duration, supplier func() int, logger *slog.Logger) {
	if supplier == nil {
		return
	}
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := l.Allowed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, ok := sample(supplier, logger)
		if !ok {
			continue
		}
		l.Set(n)
		if now := l.Allowed(); now != last {
			logger.Debug("concurrency ceiling changed", "from", last, "to", now)
			last = now
		}
	}
}

func sample(supplier func() int, logger *slog.Logger) (n int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("concurrency supplier panicked", "panic", r)
			ok = false
		}
	}()
	return supplier(), true
}
