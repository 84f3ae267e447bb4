package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chunkcap.ai/internal/limiter"
	genpkg "chunkcap.ai/internal/sim/terrain/gen"
)

type Options struct {
	Height int
	// BoundaryR limits |x| and |z| in blocks. Zero means unbounded.
	BoundaryR int
}

// ChunkStore is safe for concurrent use. The map lock guards membership;
// each chunk guards its own blocks.
type ChunkStore struct {
	gen    *genpkg.Generator
	ids    func(name string) uint16
	height int
	bound  int

	mu     sync.RWMutex
	chunks map[ChunkKey]*Chunk
}

// NewChunkStore builds a store. gen may be nil, in which case Load fills new
// chunks with AIR; ids maps generator block names to palette ids.
func NewChunkStore(gen *genpkg.Generator, ids func(string) uint16, opts Options) *ChunkStore {
	if opts.Height <= 0 {
		opts.Height = 1
	}
	return &ChunkStore{
		gen:    gen,
		ids:    ids,
		height: opts.Height,
		bound:  opts.BoundaryR,
		chunks: map[ChunkKey]*Chunk{},
	}
}

func (s *ChunkStore) Height() int { return s.height }

// ChunkLen is the number of block ids in one chunk.
func (s *ChunkStore) ChunkLen() int { return 16 * 16 * s.height }

func (s *ChunkStore) InBounds(x, y, z int) bool {
	if y < 0 || y >= s.height {
		return false
	}
	if s.bound > 0 && (x < -s.bound || x > s.bound || z < -s.bound || z > s.bound) {
		return false
	}
	return true
}

// Load generates k if it is not loaded yet. created is false when the chunk
// was already present.
func (s *ChunkStore) Load(k ChunkKey) (ch *Chunk, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chunks[k]; ok {
		return ch, false
	}
	var blocks []uint16
	if s.gen != nil && s.ids != nil {
		blocks = s.gen.Column(k.CX, k.CZ, s.height, s.ids)
	} else {
		blocks = make([]uint16, s.ChunkLen())
	}
	ch = newChunk(k, s.height, blocks)
	s.chunks[k] = ch
	return ch, true
}

// LoadBlocks installs k with the given contents. A chunk already loaded at k
// is replaced and marked unloaded; replaced reports that case.
func (s *ChunkStore) LoadBlocks(k ChunkKey, blocks []uint16) (ch *Chunk, replaced bool, err error) {
	if len(blocks) != s.ChunkLen() {
		return nil, false, fmt.Errorf("%w: got %d want %d", ErrBadLength, len(blocks), s.ChunkLen())
	}
	ch = newChunk(k, s.height, append([]uint16(nil), blocks...))

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.chunks[k]; ok {
		old.unloaded.Store(true)
		replaced = true
	}
	s.chunks[k] = ch
	return ch, replaced, nil
}

// Unload removes k. Scans still walking the chunk observe the unloaded flag
// and abort.
func (s *ChunkStore) Unload(k ChunkKey) bool {
	s.mu.Lock()
	ch, ok := s.chunks[k]
	delete(s.chunks, k)
	s.mu.Unlock()
	if ok {
		ch.unloaded.Store(true)
	}
	return ok
}

func (s *ChunkStore) Chunk(k ChunkKey) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chunks[k]
	return ch, ok
}

func (s *ChunkStore) IsLoaded(k ChunkKey) bool {
	_, ok := s.Chunk(k)
	return ok
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *ChunkStore) LoadedChunkKeys() []ChunkKey {
	s.mu.RLock()
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// locate resolves world coordinates to a loaded chunk and local offsets.
func (s *ChunkStore) locate(x, y, z int) (*Chunk, int, int, error) {
	if !s.InBounds(x, y, z) {
		return nil, 0, 0, ErrOutOfBounds
	}
	ch, ok := s.Chunk(limiter.RegionOf(x, z))
	if !ok {
		return nil, 0, 0, ErrChunkNotLoaded
	}
	return ch, genpkg.Mod(x, 16), genpkg.Mod(z, 16), nil
}

func (s *ChunkStore) GetBlock(x, y, z int) (uint16, error) {
	ch, lx, lz, err := s.locate(x, y, z)
	if err != nil {
		return AirID, err
	}
	return ch.Get(lx, y, lz), nil
}

// SetBlock writes b and returns the previous id.
func (s *ChunkStore) SetBlock(x, y, z int, b uint16) (uint16, error) {
	ch, lx, lz, err := s.locate(x, y, z)
	if err != nil {
		return AirID, err
	}
	return ch.Set(lx, y, lz, b), nil
}

func (s *ChunkStore) SetIfAir(x, y, z int, b uint16) error {
	ch, lx, lz, err := s.locate(x, y, z)
	if err != nil {
		return err
	}
	if !ch.SetIfAir(lx, y, lz, b) {
		return ErrOccupied
	}
	return nil
}

func (s *ChunkStore) Digest(k ChunkKey) ([32]byte, bool) {
	ch, ok := s.Chunk(k)
	if !ok {
		return [32]byte{}, false
	}
	return ch.Digest(), true
}

// IsRegionLoaded implements limiter.Host.
func (s *ChunkStore) IsRegionLoaded(k limiter.RegionKey) bool { return s.IsLoaded(k) }

// EnumerateOccupied implements limiter.Host. Each layer is copied under the
// chunk read lock so writers are blocked for one layer at a time only.
func (s *ChunkStore) EnumerateOccupied(ctx context.Context, k limiter.RegionKey, fn func(limiter.Category) error) error {
	ch, ok := s.Chunk(k)
	if !ok {
		return limiter.ErrRegionUnavailable
	}
	layer := make([]uint16, 256)
	for y := 0; y < ch.Height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ch.unloaded.Load() {
			return limiter.ErrRegionUnavailable
		}
		ch.mu.RLock()
		copy(layer, ch.blocks[y*256:(y+1)*256])
		ch.mu.RUnlock()

		for _, b := range layer {
			if b == AirID {
				continue
			}
			if err := fn(limiter.Category(b)); err != nil {
				return err
			}
		}
	}
	if ch.unloaded.Load() {
		return limiter.ErrRegionUnavailable
	}
	return nil
}

// Close unloads every chunk.
func (s *ChunkStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ch := range s.chunks {
		ch.unloaded.Store(true)
		delete(s.chunks, k)
	}
}
