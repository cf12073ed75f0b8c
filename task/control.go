package task

import (
	"context"
	"fmt"
	"sync"
)

// Control is the handle outer surfaces use to watch and steer a run.
type Control struct {
	ledger *Ledger
	cancel context.CancelFunc
	fixed  int
	auto   func() int

	mu        sync.RWMutex
	override  int
	progress  *Event
	summary   *Summary
	cancelled bool
}

// NewControl builds a Control. auto may be nil, in which case the ceiling
// is fixed unless overridden.
func NewControl(ledger *Ledger, cancel context.CancelFunc, fixed int, auto func() int) *Control {
	return &Control{ledger: ledger, cancel: cancel, fixed: clampJobs(fixed), auto: auto}
}

// Jobs is the concurrency supplier: a manual override wins, then the
// automatic target, then the configured value.
func (c *Control) Jobs() int {
	c.mu.RLock()
	override := c.override
	c.mu.RUnlock()
	if override > 0 {
		return override
	}
	if c.auto != nil {
		return clampJobs(c.auto())
	}
	return c.fixed
}

// SetJobs pins the ceiling to n. Zero returns control to the default.
func (c *Control) SetJobs(n int) error {
	if n < 0 || n > MaxWorkers {
		return fmt.Errorf("jobs must be between 1 and %d, or 0 to reset", MaxWorkers)
	}
	c.mu.Lock()
	c.override = n
	c.mu.Unlock()
	return nil
}

// Record is a Sink keeping the latest progress and the final summary.
func (c *Control) Record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Type {
	case EventProgress:
		c.progress = &e
	case EventReport:
		c.summary = e.Summary
	}
}

func (c *Control) Progress() (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.progress == nil {
		return Event{}, false
	}
	return *c.progress, true
}

func (c *Control) Summary() (Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.summary == nil {
		return Summary{}, false
	}
	return *c.summary, true
}

func (c *Control) Tasks() []Task { return c.ledger.Snapshot() }

func (c *Control) Task(number int) (Task, bool) { return c.ledger.Get(number) }

func (c *Control) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Control) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}
