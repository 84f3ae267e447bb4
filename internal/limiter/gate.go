package limiter

import (
	"fmt"
	"sync/atomic"
)

// Verdict is the gate's answer to a placement attempt.
type Verdict int

const (
	Accepted Verdict = iota + 1
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// GateMode selects how the cap check and the increment are combined.
type GateMode string

const (
	// GateStrict checks and increments with one compare-and-swap; a counter
	// never exceeds the cap.
	GateStrict GateMode = "strict"
	// GateEventual reads, accepts, then increments and undoes the increment
	// if it landed above the cap. Racing placements may all be accepted;
	// reconciliation restores the exact count.
	GateEventual GateMode = "eventual"
)

func ParseGateMode(s string) (GateMode, error) {
	switch GateMode(s) {
	case "", GateStrict:
		return GateStrict, nil
	case GateEventual:
		return GateEventual, nil
	default:
		return "", fmt.Errorf("unknown gate mode %q", s)
	}
}

// Gate decides placements synchronously on the caller's goroutine.
type Gate struct {
	store   *CounterStore
	mode    GateMode
	clamp   bool
	metrics *Metrics

	limit atomic.Int64
}

func NewGate(store *CounterStore, limit int64, mode GateMode, clampRemovals bool, metrics *Metrics) *Gate {
	if mode == "" {
		mode = GateStrict
	}
	g := &Gate{store: store, mode: mode, clamp: clampRemovals, metrics: metrics}
	g.limit.Store(limit)
	return g
}

// Cap returns the per-category limit.
func (g *Gate) Cap() int64 { return g.limit.Load() }

// SetCap changes the limit for later attempts. Counts already above it stay.
func (g *Gate) SetCap(n int64) { g.limit.Store(n) }

// Mode reports whether the gate is strict or eventual.
func (g *Gate) Mode() GateMode { return g.mode }

// AttemptPlace decides whether one more c may be placed in k. On Accepted the
// counter has already been incremented.
func (g *Gate) AttemptPlace(k RegionKey, c Category) Verdict {
	if c == Air {
		return Accepted
	}
	ctr := g.store.GetOrCreateRegion(k).GetOrCreateCounter(c)
	limit := g.limit.Load()

	v := Accepted
	switch g.mode {
	case GateEventual:
		if ctr.Load() >= limit {
			v = Rejected
			break
		}
		if n := ctr.Inc(); n > limit {
			ctr.Dec()
		}
	default:
		if _, ok := ctr.TryIncBelow(limit); !ok {
			v = Rejected
		}
	}
	g.metrics.placement(v)
	return v
}

// RecordPlacement counts a placement that bypasses the cap (for example one
// made by the world itself rather than a player).
func (g *Gate) RecordPlacement(k RegionKey, c Category) {
	if c == Air {
		return
	}
	g.store.GetOrCreateRegion(k).GetOrCreateCounter(c).Inc()
}

// RecordRemoval decrements the counter for c in k. Untracked chunks and
// never-counted blocks are ignored. Returns whether a counter was touched.
func (g *Gate) RecordRemoval(k RegionKey, c Category) bool {
	if c == Air {
		return false
	}
	t, ok := g.store.Lookup(k)
	if !ok {
		return false
	}
	ctr, ok := t.Counter(c)
	if !ok {
		return false
	}
	if g.clamp {
		ctr.DecClamped()
	} else {
		ctr.Dec()
	}
	g.metrics.removal()
	return true
}

// Remaining reports how many more c would currently be accepted in k.
func (g *Gate) Remaining(k RegionKey, c Category) int64 {
	limit := g.limit.Load()
	if c == Air {
		return limit
	}
	var n int64
	if t, ok := g.store.Lookup(k); ok {
		n = t.Count(c)
	}
	if n >= limit {
		return 0
	}
	return limit - n
}
