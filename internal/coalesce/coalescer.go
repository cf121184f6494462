// Package coalesce debounces bursts of entity changes into one batch per
// quiet period, remembering which entities touched which rules.
package coalesce

import (
	"sort"
	"sync"
	"time"
)

// Workload maps a rule id to the set of entity ids that marked it dirty
// during one debounce window.
type Workload map[string]map[string]struct{}

// RuleIDs returns the workload's rule ids in sorted order.
func (w Workload) RuleIDs() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sources returns the sorted source entity ids for ruleID.
func (w Workload) Sources(ruleID string) []string {
	set := w[ruleID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FlushFunc receives each captured workload. It is called on its own
// goroutine, once per window, and never with an empty workload.
type FlushFunc func(Workload)

// Coalescer accumulates dirty rules and flushes them after the window has
// been quiet for the configured interval. Every MarkDirty call rearms the
// timer, so a continuous burst postpones the flush.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Coalescer struct {
	window  time.Duration
	onFlush FlushFunc

	mu       sync.Mutex
	workload Workload
	timer    *time.Timer
	gen      uint64
	stopped  bool
}

// New creates a Coalescer that calls onFlush after window of quiet.
func New(window time.Duration, onFlush FlushFunc) *Coalescer {
	return &Coalescer{
		window:   window,
		onFlush:  onFlush,
		workload: make(Workload),
	}
}

// MarkDirty records source against every rule in ruleIDs and rearms the
// flush timer. Empty ruleIDs is a no-op.
func (c *Coalescer) MarkDirty(ruleIDs []string, source string) {
	if len(ruleIDs) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	for _, id := range ruleIDs {
		set, ok := c.workload[id]
		if !ok {
			set = make(map[string]struct{})
			c.workload[id] = set
		}
		set[source] = struct{}{}
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	// A timer that already fired but lost the race for mu sees a newer
	// generation and does nothing.
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || len(c.workload) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.workload
	c.workload = make(Workload)
	c.timer = nil
	c.mu.Unlock()

	c.onFlush(batch)
}

// Forget drops ruleID from the pending workload, used when a rule is
// removed before its window closes.
func (c *Coalescer) Forget(ruleID string) {
	c.mu.Lock()
	delete(c.workload, ruleID)
	c.mu.Unlock()
}

// Pending returns how many rules are waiting for the next flush.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workload)
}

// Stop cancels any pending flush and discards the workload. Later
// MarkDirty calls are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.workload = make(Workload)
}
