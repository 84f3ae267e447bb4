package limiter

import "sync"

// CounterStore maps tracked chunks to their counter tables.
type CounterStore struct {
	mu      sync.RWMutex
	regions map[RegionKey]*RegionCounterTable
}

func NewCounterStore() *CounterStore {
	return &CounterStore{regions: map[RegionKey]*RegionCounterTable{}}
}

// GetOrCreateRegion returns the table for k, installing an empty one if k is
// not tracked yet. Concurrent callers for the same key get the same table.
func (s *CounterStore) GetOrCreateRegion(k RegionKey) *RegionCounterTable {
	s.mu.RLock()
	t := s.regions[k]
	s.mu.RUnlock()
	if t != nil {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.regions[k]; t == nil {
		t = NewRegionCounterTable()
		s.regions[k] = t
	}
	return t
}

func (s *CounterStore) Lookup(k RegionKey) (*RegionCounterTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.regions[k]
	return t, ok
}

// RemoveRegion drops k. Removing an untracked key is a no-op.
func (s *CounterStore) RemoveRegion(k RegionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regions[k]; !ok {
		return false
	}
	delete(s.regions, k)
	return true
}

// RemoveRegionIf drops k only while it still maps to t, so a table installed
// by a concurrent reactivation survives.
func (s *CounterStore) RemoveRegionIf(k RegionKey, t *RegionCounterTable) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.regions[k]; !ok || cur != t {
		return false
	}
	delete(s.regions, k)
	return true
}

// ReplaceRegion swaps the table of a tracked chunk for t and returns the old
// table. If k is no longer tracked nothing is published and ok is false.
func (s *CounterStore) ReplaceRegion(k RegionKey, t *RegionCounterTable) (old *RegionCounterTable, ok bool) {
	if t == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok = s.regions[k]
	if !ok {
		return nil, false
	}
	s.regions[k] = t
	return old, true
}

// SnapshotActiveRegionIDs returns the tracked keys sorted by (CX, CZ).
func (s *CounterStore) SnapshotActiveRegionIDs() []RegionKey {
	s.mu.RLock()
	keys := make([]RegionKey, 0, len(s.regions))
	for k := range s.regions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sortKeys(keys)
	return keys
}

func (s *CounterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

func (s *CounterStore) Clear() {
	s.mu.Lock()
	s.regions = map[RegionKey]*RegionCounterTable{}
	s.mu.Unlock()
}

type StoreStats struct {
	Regions  int `json:"regions"`
	Counters int `json:"counters"`
}

func (s *CounterStore) Stats() StoreStats {
	s.mu.RLock()
	tables := make([]*RegionCounterTable, 0, len(s.regions))
	for _, t := range s.regions {
		tables = append(tables, t)
	}
	s.mu.RUnlock()

	st := StoreStats{Regions: len(tables)}
	for _, t := range tables {
		st.Counters += t.Len()
	}
	return st
}
