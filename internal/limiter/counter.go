// Package limiter enforces a per-chunk, per-block placement cap.
//
// Counts live in a CounterStore keyed by chunk, each chunk holding one atomic
// counter per block id. The hot path (Gate) only touches atomics and short
// map lookups; full chunk scans run on a bounded ScanPool and publish their
// result with a single table swap.
package limiter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ChunkSize is the edge length of a region in blocks.
const ChunkSize = 16

// RegionKey identifies one chunk column.
type RegionKey struct {
	CX int
	CZ int
}

func (k RegionKey) String() string { return fmt.Sprintf("%d,%d", k.CX, k.CZ) }

// RegionOf returns the chunk containing world block (x, z).
func RegionOf(x, z int) RegionKey {
	return RegionKey{CX: floorDiv(x, ChunkSize), CZ: floorDiv(z, ChunkSize)}
}

func floorDiv(a, b int) int {
	q := a / b
	if r := a % b; r < 0 {
		q--
	}
	return q
}

// Category is a block palette id. Air (0) is never counted.
type Category uint16

// Air is never counted.
const Air Category = 0

// CategoryCounter is the count of one block id inside one chunk.
type CategoryCounter struct {
	n atomic.Int64
}

func (c *CategoryCounter) Load() int64 { return c.n.Load() }
func (c *CategoryCounter) Inc() int64  { return c.n.Add(1) }
func (c *CategoryCounter) Dec() int64  { return c.n.Add(-1) }

// DecClamped decrements unless the counter is already at or below zero.
func (c *CategoryCounter) DecClamped() (int64, bool) {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return cur, false
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return cur - 1, true
		}
	}
}

// TryIncBelow increments only while the value is below limit.
func (c *CategoryCounter) TryIncBelow(limit int64) (int64, bool) {
	for {
		cur := c.n.Load()
		if cur >= limit {
			return cur, false
		}
		if c.n.CompareAndSwap(cur, cur+1) {
			return cur + 1, true
		}
	}
}

// RegionCounterTable holds the counters of a single chunk.
type RegionCounterTable struct {
	mu       sync.RWMutex
	counters map[Category]*CategoryCounter
}

// NewRegionCounterTable returns an empty table.
func NewRegionCounterTable() *RegionCounterTable {
	return &RegionCounterTable{counters: map[Category]*CategoryCounter{}}
}

func newTableFromCounts(counts map[Category]int64) *RegionCounterTable {
	t := &RegionCounterTable{counters: make(map[Category]*CategoryCounter, len(counts))}
	for c, n := range counts {
		ctr := &CategoryCounter{}
		ctr.n.Store(n)
		t.counters[c] = ctr
	}
	return t
}

// GetOrCreateCounter returns the counter for c, installing a zero counter on
// first reference.
func (t *RegionCounterTable) GetOrCreateCounter(c Category) *CategoryCounter {
	t.mu.RLock()
	ctr := t.counters[c]
	t.mu.RUnlock()
	if ctr != nil {
		return ctr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ctr = t.counters[c]; ctr == nil {
		ctr = &CategoryCounter{}
		t.counters[c] = ctr
	}
	return ctr
}

// Counter returns the counter for c without creating it.
func (t *RegionCounterTable) Counter(c Category) (*CategoryCounter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctr, ok := t.counters[c]
	return ctr, ok
}

// Count returns the current value for c, or 0 if c was never referenced.
func (t *RegionCounterTable) Count(c Category) int64 {
	if ctr, ok := t.Counter(c); ok {
		return ctr.Load()
	}
	return 0
}

// Len reports how many categories have a counter.
func (t *RegionCounterTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.counters)
}

// Snapshot copies the current values. Counters are read one by one, so the
// result is not a consistent cut while writers are active.
func (t *RegionCounterTable) Snapshot() map[Category]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Category]int64, len(t.counters))
	for c, ctr := range t.counters {
		out[c] = ctr.Load()
	}
	return out
}

// Categories returns the referenced block ids in ascending order.
func (t *RegionCounterTable) Categories() []Category {
	t.mu.RLock()
	out := make([]Category, 0, len(t.counters))
	for c := range t.counters {
		out = append(out, c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
