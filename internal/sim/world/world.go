// Package world ties the terrain store to the placement limiter. Every host
// event (chunk load and unload, placement, removal, tick) enters here.
package world

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chunkcap.ai/internal/limiter"
	"chunkcap.ai/internal/sim/catalogs"
	genpkg "chunkcap.ai/internal/sim/terrain/gen"
	"chunkcap.ai/internal/sim/terrain/store"
	"chunkcap.ai/internal/sim/tuning"
)

type Options struct {
	Logger     *zap.Logger
	Metrics    *limiter.Metrics
	Audit      []AuditLogger
	DriftSinks []limiter.DriftSink
}

// World is safe for concurrent use. Placements and removals for different
// chunks proceed in parallel; the limiter serializes per counter.
type World struct {
	tune   tuning.Tuning
	blocks *catalogs.BlockCatalog
	log    *zap.Logger
	audit  []AuditLogger

	chunks *store.ChunkStore
	engine *limiter.Engine

	tick        atomic.Uint64
	remoteTicks atomic.Bool
	closed      atomic.Bool
	stop        chan struct{}

	stats worldStats
}

type worldStats struct {
	placesAccepted atomic.Uint64
	placesRejected atomic.Uint64
	placesForced   atomic.Uint64
	placesFailed   atomic.Uint64
	breaks         atomic.Uint64
	chunkLoads     atomic.Uint64
	chunkUnloads   atomic.Uint64
	auditErrors    atomic.Uint64
}

func New(tune tuning.Tuning, blocks *catalogs.BlockCatalog, opts Options) (*World, error) {
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	if blocks == nil {
		blocks = catalogs.Default()
	}
	if id, ok := blocks.ID("AIR"); !ok || id != store.AirID {
		return nil, fmt.Errorf("world: palette must map AIR to %d", store.AirID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	chunks := store.NewChunkStore(genpkg.New(tune.GenParams()), blocks.IDFunc(), store.Options{
		Height:    tune.ChunkHeight,
		BoundaryR: tune.WorldGen.BoundaryR,
	})
	var sink limiter.DriftSink
	if len(opts.DriftSinks) > 0 {
		sink = driftFanout(opts.DriftSinks)
	}
	engine, err := limiter.New(tune.EngineConfig(), chunks, limiter.Options{
		Logger:    logger.Named("limiter"),
		Metrics:   opts.Metrics,
		DriftSink: sink,
	})
	if err != nil {
		return nil, err
	}
	return &World{
		tune:   tune,
		blocks: blocks,
		log:    logger,
		audit:  opts.Audit,
		chunks: chunks,
		engine: engine,
		stop:   make(chan struct{}),
	}, nil
}

type driftFanout []limiter.DriftSink

func (d driftFanout) RecordPass(p limiter.PassReport) {
	for _, s := range d {
		s.RecordPass(p)
	}
}

func (w *World) Blocks() *catalogs.BlockCatalog { return w.blocks }
func (w *World) Tuning() tuning.Tuning          { return w.tune }
func (w *World) Height() int                    { return w.chunks.Height() }
func (w *World) CurrentTick() uint64            { return w.tick.Load() }
func (w *World) Engine() *limiter.Engine        { return w.engine }

// LoadChunk activates k. With nil blocks the chunk is generated, and a chunk
// that is already loaded is left alone. With blocks the contents replace any
// loaded copy and the chunk is re-activated.
func (w *World) LoadChunk(k ChunkKey, blocks []uint16) (string, error) {
	if w.closed.Load() {
		return "", ErrClosed
	}
	var ch *store.Chunk
	if blocks == nil {
		var created bool
		ch, created = w.chunks.Load(k)
		if !created {
			return digestHex(ch), nil
		}
	} else {
		var replaced bool
		var err error
		ch, replaced, err = w.chunks.LoadBlocks(k, blocks)
		if err != nil {
			return "", err
		}
		if replaced {
			w.engine.RegionDeactivated(k)
		}
	}
	w.engine.RegionActivated(k)
	w.stats.chunkLoads.Add(1)
	return digestHex(ch), nil
}

func (w *World) UnloadChunk(k ChunkKey) bool {
	ok := w.chunks.Unload(k)
	w.engine.RegionDeactivated(k)
	if ok {
		w.stats.chunkUnloads.Add(1)
	}
	return ok
}

func (w *World) IsLoaded(k ChunkKey) bool { return w.chunks.IsLoaded(k) }

func (w *World) LoadedChunks() []ChunkKey { return w.chunks.LoadedChunkKeys() }

func digestHex(ch *store.Chunk) string {
	d := ch.Digest()
	return hex.EncodeToString(d[:])
}

// PlaceBlock gates a placement and, when accepted, writes the block. A
// rejected placement is not an error; callers check PlaceResult.Verdict.
func (w *World) PlaceBlock(req PlaceRequest) (PlaceResult, error) {
	if w.closed.Load() {
		return PlaceResult{}, ErrClosed
	}
	id, ok := w.blocks.ID(req.Block)
	if !ok {
		return PlaceResult{}, fmt.Errorf("%w: %q", ErrUnknownBlock, req.Block)
	}
	if id == store.AirID {
		return PlaceResult{}, fmt.Errorf("%w: AIR", ErrNotPlaceable)
	}
	x, y, z := req.Pos[0], req.Pos[1], req.Pos[2]
	cur, err := w.chunks.GetBlock(x, y, z)
	if err != nil {
		return PlaceResult{}, err
	}
	if cur != store.AirID {
		return PlaceResult{}, ErrOccupied
	}

	k := limiter.RegionOf(x, z)
	cat := limiter.Category(id)
	res := PlaceResult{Block: req.Block, Chunk: k, Cap: w.engine.Cap()}

	if req.ActorKind.Gated() {
		res.Verdict = w.engine.PlacementAttempted(k, cat)
	} else {
		w.engine.PlacementForced(k, cat)
		res.Verdict = limiter.Accepted
	}
	if !w.chunks.IsLoaded(k) {
		// Unloaded after GetBlock; the gate may have recreated the table
		// RegionDeactivated already dropped.
		w.engine.RegionDeactivated(k)
		w.stats.placesFailed.Add(1)
		return PlaceResult{}, ErrChunkNotLoaded
	}

	if res.Verdict == limiter.Rejected {
		w.stats.placesRejected.Add(1)
		res.Count, _ = w.engine.Count(k, cat)
		w.writeAudit(req, res, id, "cap reached")
		return res, nil
	}

	if err := w.chunks.SetIfAir(x, y, z, id); err != nil {
		// Lost a race with another writer or an unload; hand the slot back.
		w.engine.RemovalOccurred(k, cat)
		w.stats.placesFailed.Add(1)
		return PlaceResult{}, err
	}
	if req.ActorKind.Gated() {
		w.stats.placesAccepted.Add(1)
	} else {
		w.stats.placesForced.Add(1)
	}
	res.Count, _ = w.engine.Count(k, cat)
	w.writeAudit(req, res, id, "")
	return res, nil
}

// BreakBlock clears the position. Breaking AIR succeeds and changes nothing.
func (w *World) BreakBlock(req BreakRequest) (BreakResult, error) {
	if w.closed.Load() {
		return BreakResult{}, ErrClosed
	}
	x, y, z := req.Pos[0], req.Pos[1], req.Pos[2]
	prev, err := w.chunks.SetBlock(x, y, z, store.AirID)
	if err != nil {
		return BreakResult{}, err
	}
	k := limiter.RegionOf(x, z)
	name, _ := w.blocks.Name(prev)
	res := BreakResult{Block: name, Chunk: k}
	if prev == store.AirID {
		return res, nil
	}
	w.engine.RemovalOccurred(k, limiter.Category(prev))
	w.stats.breaks.Add(1)

	count, _ := w.engine.Count(k, limiter.Category(prev))
	w.emitAudit(AuditEntry{
		Tick:    w.tick.Load(),
		Session: req.Session,
		Actor:   req.Actor,
		Action:  ActionBreak,
		Pos:     req.Pos,
		Chunk:   [2]int{k.CX, k.CZ},
		Block:   name,
		From:    prev,
		To:      store.AirID,
		Count:   count,
	})
	return res, nil
}

func (w *World) writeAudit(req PlaceRequest, res PlaceResult, id uint16, reason string) {
	kind := req.ActorKind
	if kind == "" {
		kind = ActorPlayer
	}
	e := AuditEntry{
		Tick:      w.tick.Load(),
		Session:   req.Session,
		Actor:     req.Actor,
		ActorKind: string(kind),
		Action:    ActionPlace,
		Pos:       req.Pos,
		Chunk:     [2]int{res.Chunk.CX, res.Chunk.CZ},
		Block:     req.Block,
		From:      store.AirID,
		To:        id,
		Verdict:   res.Verdict.String(),
		Count:     res.Count,
		Reason:    reason,
	}
	if res.Verdict == limiter.Rejected {
		e.To = store.AirID
	}
	w.emitAudit(e)
}

func (w *World) emitAudit(e AuditEntry) {
	for _, a := range w.audit {
		if err := a.WriteAudit(e); err != nil {
			w.stats.auditErrors.Add(1)
			w.log.Warn("audit write failed", zap.Error(err))
		}
	}
}

// HostTick records a tick reported by the world host. Once a host drives
// ticks, the local ticker in Run stops advancing the clock.
func (w *World) HostTick(tick uint64) {
	w.remoteTicks.Store(true)
	w.advance(tick)
}

func (w *World) advance(tick uint64) {
	for {
		cur := w.tick.Load()
		if tick <= cur {
			return
		}
		if w.tick.CompareAndSwap(cur, tick) {
			break
		}
	}
	w.engine.Tick(tick)
}

// Run advances the clock at tick_rate_hz until ctx is done or Stop is called.
func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.tune.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			if w.remoteTicks.Load() {
				continue
			}
			w.advance(w.tick.Load() + 1)
		}
	}
}

func (w *World) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *World) ReconcileNow(ctx context.Context) (limiter.PassReport, error) {
	return w.engine.ReconcileNow(ctx, w.tick.Load())
}

func (w *World) SetCap(n int64) error {
	if n <= 0 {
		return errors.New("world: cap must be positive")
	}
	w.engine.SetCap(n)
	return nil
}

// ChunkCounts returns the tracked counts for k keyed by block name.
func (w *World) ChunkCounts(k ChunkKey) (map[string]int64, bool) {
	counts, ok := w.engine.Counts(k)
	if !ok {
		return nil, false
	}
	out := make(map[string]int64, len(counts))
	for c, n := range counts {
		name, known := w.blocks.Name(uint16(c))
		if !known {
			name = fmt.Sprintf("#%d", c)
		}
		out[name] = n
	}
	return out, true
}

func (w *World) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.Stop()
	w.engine.Close()
	w.chunks.Close()
}
