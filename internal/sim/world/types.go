package world

import (
	"errors"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/terrain/store"
)

type ChunkKey = limiter.RegionKey

var (
	ErrUnknownBlock   = errors.New("unknown block")
	ErrNotPlaceable   = errors.New("block cannot be placed")
	ErrChunkNotLoaded = store.ErrChunkNotLoaded
	ErrOutOfBounds    = store.ErrOutOfBounds
	ErrOccupied       = store.ErrOccupied
	ErrClosed         = errors.New("world closed")
)

type ActorKind string

const (
	ActorPlayer  ActorKind = "player"
	ActorMachine ActorKind = "machine"
	ActorWorld   ActorKind = "world"
)

// Gated reports whether placements by this actor are subject to the cap.
// An empty kind is treated as a player.
func (k ActorKind) Gated() bool { return k == "" || k == ActorPlayer }

type PlaceRequest struct {
	Pos       [3]int
	Block     string
	ActorKind ActorKind
	Actor     string
	Session   string
}

type PlaceResult struct {
	Verdict limiter.Verdict
	Block   string
	Chunk   ChunkKey
	// Count is the tracked count for the block in its chunk after the
	// decision.
	Count int64
	Cap   int64
}

type BreakRequest struct {
	Pos     [3]int
	Actor   string
	Session string
}

type BreakResult struct {
	// Block is the name of what was removed; AIR when nothing was there.
	Block string
	Chunk ChunkKey
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type AuditEntry struct {
	Tick      uint64 `json:"tick"`
	Session   string `json:"session,omitempty"`
	Actor     string `json:"actor,omitempty"`
	ActorKind string `json:"actor_kind,omitempty"`
	Action    string `json:"action"` // PLACE or BREAK
	Pos       [3]int `json:"pos"`
	Chunk     [2]int `json:"chunk"`
	Block     string `json:"block"`
	From      uint16 `json:"from"`
	To        uint16 `json:"to"`
	Verdict   string `json:"verdict,omitempty"`
	Count     int64  `json:"count"`
	Reason    string `json:"reason,omitempty"`
}

const (
	ActionPlace = "PLACE"
	ActionBreak = "BREAK"
)
