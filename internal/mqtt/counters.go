package mqtt

import (
	"sync"
	"time"
)

// DailyCounts tracks routed requests and resets at local midnight. It
// is safe for concurrent use.
type DailyCounts struct {
	mu           sync.Mutex
	requests     int64
	agents       int64
	fallbacks    int64
	lastStrategy string
	lastFallback string
	resetDay     int // day-of-year of last reset
	loc          *time.Location
}

// NewDailyCounts creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounts{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnRoute records one routed request.
func (d *DailyCounts) OnRoute(strategy string, usedAgent bool, fallbackReason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.requests++
	if usedAgent {
		d.agents++
	}
	if fallbackReason != "" {
		d.fallbacks++
		d.lastFallback = fallbackReason
	}
	d.lastStrategy = strategy
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Requests     int64
	Agents       int64
	Fallbacks    int64
	LastStrategy string
	LastFallback string
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyCounts) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return Snapshot{
		Requests:     d.requests,
		Agents:       d.agents,
		Fallbacks:    d.fallbacks,
		LastStrategy: d.lastStrategy,
		LastFallback: d.lastFallback,
	}
}

// maybeReset zeroes the daily counters if the local day-of-year has
// changed. Must be called with d.mu held. The last-seen values carry
// over.
func (d *DailyCounts) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.requests = 0
		d.agents = 0
		d.fallbacks = 0
		d.resetDay = today
	}
}
