// Package store holds the loaded chunks of the world and serves them to the
// placement limiter as its scan host.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"chunkcap.ai/internal/limiter"
)

// AirID is the palette id of AIR. The block catalog pins it to 0.
const AirID uint16 = 0

var (
	ErrChunkNotLoaded = errors.New("chunk not loaded")
	ErrOutOfBounds    = errors.New("position out of bounds")
	ErrOccupied       = errors.New("position occupied")
	ErrBadLength      = errors.New("chunk blocks length mismatch")
)

type ChunkKey = limiter.RegionKey

// Chunk is a 16x16 column of Height layers. Blocks are indexed
// x + z*16 + y*256.
type Chunk struct {
	CX, CZ int
	Height int

	mu     sync.RWMutex
	blocks []uint16
	dirty  bool
	hash   [32]byte

	unloaded atomic.Bool
}

func newChunk(k ChunkKey, height int, blocks []uint16) *Chunk {
	return &Chunk{CX: k.CX, CZ: k.CZ, Height: height, blocks: blocks, dirty: true}
}

func index(x, y, z int) int {
	return x + z*16 + y*256
}

func (c *Chunk) Key() ChunkKey { return ChunkKey{CX: c.CX, CZ: c.CZ} }

func (c *Chunk) Get(x, y, z int) uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[index(x, y, z)]
}

// Set writes b and returns the previous id.
func (c *Chunk) Set(x, y, z int, b uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := index(x, y, z)
	prev := c.blocks[i]
	if prev != b {
		c.blocks[i] = b
		c.dirty = true
	}
	return prev
}

// SetIfAir writes b only if the position currently holds AIR.
func (c *Chunk) SetIfAir(x, y, z int, b uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := index(x, y, z)
	if c.blocks[i] != AirID {
		return false
	}
	c.blocks[i] = b
	c.dirty = true
	return true
}

// Blocks returns a copy of the chunk contents.
func (c *Chunk) Blocks() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]uint16(nil), c.blocks...)
}

// Unloaded reports whether the chunk has left the store.
func (c *Chunk) Unloaded() bool { return c.unloaded.Load() }

func (c *Chunk) Digest() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}
