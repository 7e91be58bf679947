package stats

import (
	"sync"
	"sync/atomic"
)

// Gauge counts in-flight work. Updates are lock-free so it never serializes
// dispatch.
type Gauge struct {
	current atomic.Int64
	peak    atomic.Int64
	total   atomic.Int64
}

// Acquire increments the gauge and returns the value observed before this
// caller joined, plus an idempotent release func.
func (g *Gauge) Acquire() (before int64, release func()) {
	now := g.current.Add(1)
	g.total.Add(1)
	for {
		p := g.peak.Load()
		if now <= p || g.peak.CompareAndSwap(p, now) {
			break
		}
	}

	var once sync.Once
	return now - 1, func() {
		once.Do(func() { g.current.Add(-1) })
	}
}

// Current returns the number of holders.
func (g *Gauge) Current() int64 {
	return g.current.Load()
}

// Peak returns the highest value observed.
func (g *Gauge) Peak() int64 {
	return g.peak.Load()
}

// Total returns the number of Acquire calls.
func (g *Gauge) Total() int64 {
	return g.total.Load()
}
