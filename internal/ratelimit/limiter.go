// Package ratelimit tracks per-source request counters against each external
// API's documented quota and gates outbound calls. Counters are in-memory and
// wall-clock-driven; quota windows are short enough that losing state on
// restart is acceptable.
package ratelimit

import (
	"sync"
	"time"
)

// Quota describes one source's documented request budget.
type Quota struct {
	Limit  int
	Window time.Duration
}

type counter struct {
	used        int
	windowStart time.Time

	// Header-reported state takes precedence over local accounting when the
	// source tells us where it thinks we stand.
	reportedRemaining int
	reportedReset     time.Time
	hasReported       bool
}

// Limiter holds fixed-window counters per source kind.
type Limiter struct {
	mu     sync.Mutex
	quotas map[string]Quota
	state  map[string]*counter
	now    func() time.Time
}

// New creates a Limiter with the given per-source quotas.
func New(quotas map[string]Quota) *Limiter {
	l := &Limiter{
		quotas: make(map[string]Quota, len(quotas)),
		state:  make(map[string]*counter, len(quotas)),
		now:    time.Now,
	}
	for kind, q := range quotas {
		l.quotas[kind] = q
	}
	return l
}

// TryAcquire consumes one request slot for the source. When the quota is
// exhausted it returns granted=false and the duration until the window
// resets; the caller must not hit the external API within that window.
func (l *Limiter) TryAcquire(sourceKind string) (granted bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quotas[sourceKind]
	if !ok {
		// Unknown source: no documented quota to enforce.
		return true, 0
	}

	now := l.now()
	c := l.state[sourceKind]
	if c == nil {
		c = &counter{windowStart: now}
		l.state[sourceKind] = c
	}

	// Header-reported state wins while its reset is still in the future.
	if c.hasReported {
		if now.Before(c.reportedReset) {
			if c.reportedRemaining <= 0 {
				return false, c.reportedReset.Sub(now)
			}
			c.reportedRemaining--
			return true, 0
		}
		// Reported window elapsed; fall back to local accounting.
		c.hasReported = false
		c.used = 0
		c.windowStart = now
	}

	if now.Sub(c.windowStart) >= q.Window {
		c.used = 0
		c.windowStart = now
	}

	if c.used >= q.Limit {
		return false, c.windowStart.Add(q.Window).Sub(now)
	}
	c.used++
	return true, 0
}

// Observe applies quota-remaining/reset values reported by the source's
// response headers. Reported values take precedence over local accounting
// until the reported reset passes.
func (l *Limiter) Observe(sourceKind string, remaining int, reset time.Time) {
	if reset.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.state[sourceKind]
	if c == nil {
		c = &counter{windowStart: l.now()}
		l.state[sourceKind] = c
	}
	c.hasReported = true
	c.reportedRemaining = remaining
	c.reportedReset = reset
}

// Exhaust forces the source's counter to zero until reset. Called when the
// source itself answered quota-exceeded, which overrides whatever local
// accounting believed.
func (l *Limiter) Exhaust(sourceKind string, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reset.IsZero() {
		// No reset reported; block for the remainder of the local window.
		q, ok := l.quotas[sourceKind]
		if !ok {
			q = Quota{Window: time.Minute}
		}
		reset = l.now().Add(q.Window)
	}

	c := l.state[sourceKind]
	if c == nil {
		c = &counter{windowStart: l.now()}
		l.state[sourceKind] = c
	}
	c.hasReported = true
	c.reportedRemaining = 0
	c.reportedReset = reset
}
