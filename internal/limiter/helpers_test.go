package limiter

import (
	"context"
	"sync"
)

const (
	stone Category = 1
	dirt  Category = 2
	wood  Category = 3
)

// fakeHost serves chunk contents from memory. hook runs before each position
// is reported and may block to simulate a slow enumeration.
type fakeHost struct {
	mu     sync.Mutex
	blocks map[RegionKey][]Category
	loaded map[RegionKey]bool
	fail   map[RegionKey]error
	hook   func(k RegionKey, i int)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		blocks: map[RegionKey][]Category{},
		loaded: map[RegionKey]bool{},
		fail:   map[RegionKey]error{},
	}
}

// column builds a chunk with the given counts followed by air.
func column(counts map[Category]int) []Category {
	out := make([]Category, 0, ChunkSize*ChunkSize*4)
	for _, c := range []Category{stone, dirt, wood} {
		for i := 0; i < counts[c]; i++ {
			out = append(out, c)
		}
	}
	for len(out) < cap(out) {
		out = append(out, Air)
	}
	return out
}

func (h *fakeHost) put(k RegionKey, counts map[Category]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[k] = column(counts)
	h.loaded[k] = true
}

func (h *fakeHost) unload(k RegionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded[k] = false
}

func (h *fakeHost) setFail(k RegionKey, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[k] = err
}

func (h *fakeHost) setHook(fn func(k RegionKey, i int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = fn
}

func (h *fakeHost) IsRegionLoaded(k RegionKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded[k]
}

func (h *fakeHost) EnumerateOccupied(ctx context.Context, k RegionKey, fn func(Category) error) error {
	h.mu.Lock()
	blocks := append([]Category(nil), h.blocks[k]...)
	loaded := h.loaded[k]
	failErr := h.fail[k]
	hook := h.hook
	h.mu.Unlock()

	if !loaded {
		return ErrRegionUnavailable
	}
	if failErr != nil {
		return failErr
	}
	for i, b := range blocks {
		if hook != nil {
			hook(k, i)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !h.IsRegionLoaded(k) {
			return ErrRegionUnavailable
		}
		if b == Air {
			continue
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

type sinkRecorder struct {
	mu     sync.Mutex
	passes []PassReport
}

func (s *sinkRecorder) RecordPass(p PassReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes = append(s.passes, p)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passes)
}
