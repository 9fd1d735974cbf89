package budget

import (
	"sync"
	"time"
)

// Coordinator owns the time budget of one job. Every pipeline of the job
// asks it for timeouts; it is the only state they share.
type Coordinator struct {
	config    Config
	clock     Clock
	startTime time.Time
	pending   int
	mu        sync.Mutex
}

// NewCoordinator starts the budget clock.
func NewCoordinator(cfg Config, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock
	}
	return &Coordinator{
		config:    cfg,
		clock:     clock,
		startTime: clock.Now(),
	}
}

// Remaining is the unspent budget, never negative.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Coordinator) remainingLocked() time.Duration {
	left := c.config.Total - c.clock.Now().Sub(c.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// DiscoverySlice is the share of the total budget reserved for discovery, bounded by what is left.
func (c *Coordinator) DiscoverySlice() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	slice := time.Duration(float64(c.config.Total) * c.config.DiscoveryShare)
	if left := c.remainingLocked(); slice > left {
		slice = left
	}
	return slice
}

// StartDispatch records how many URL tasks still need time.
func (c *Coordinator) StartDispatch(tasks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tasks < 0 {
		tasks = 0
	}
	c.pending = tasks
}

// Complete marks one URL task terminal so its share flows to the others.
func (c *Coordinator) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
	}
}

// Pending returns the number of non-terminal URL tasks.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Slice is the timeout for the next attempt: the remaining budget split
// across pending tasks, raised to the configured floor. The exhaustion check
// and the split read the clock once, so a spent budget always surfaces as
// ErrExhausted and never as a zero slice.
func (c *Coordinator) Slice() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	left := c.config.Total - now.Sub(c.startTime)
	if left <= 0 {
		return 0, ErrExhausted{Elapsed: now.Sub(c.startTime), Limit: c.config.Total}
	}
	pending := c.pending
	if pending < 1 {
		pending = 1
	}
	slice := left / time.Duration(pending)
	if slice < c.config.MinURLTimeout {
		slice = c.config.MinURLTimeout
	}
	return slice, nil
}

// AllowAnalysis reports whether enough budget remains to run analysis.
func (c *Coordinator) AllowAnalysis() bool {
	left := c.Remaining()
	return left > 0 && left >= c.config.AnalysisThreshold
}

// Usage returns the elapsed time and the configured total.
func (c *Coordinator) Usage() (elapsed, total time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().Sub(c.startTime), c.config.Total
}
