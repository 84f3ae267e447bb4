package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Config holds the engine parameters. Zero values are replaced by defaults.
type Config struct {
	Cap                 int64
	Mode                GateMode
	ClampRemovals       bool
	ReconcileEveryTicks uint64
	ScanWorkers         int
	ScanQueue           int
}

const (
	DefaultCap                 = 10
	DefaultReconcileEveryTicks = 12000
	DefaultScanWorkers         = 4
	DefaultScanQueue           = 4096
)

func (c *Config) applyDefaults() {
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.Mode == "" {
		c.Mode = GateStrict
	}
	if c.ReconcileEveryTicks == 0 {
		c.ReconcileEveryTicks = DefaultReconcileEveryTicks
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = DefaultScanWorkers
	}
	if c.ScanQueue <= 0 {
		c.ScanQueue = DefaultScanQueue
	}
}

type Options struct {
	Logger    *zap.Logger
	Metrics   *Metrics
	DriftSink DriftSink
}

// Engine owns the counter store and exposes the host-facing event contracts.
// All methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	host    Host
	log     *zap.Logger
	metrics *Metrics

	store *CounterStore
	gate  *Gate
	pool  *ScanPool
	rec   *Reconciler

	cancel context.CancelFunc
	closed atomic.Bool
}

func New(cfg Config, host Host, opts Options) (*Engine, error) {
	if host == nil {
		return nil, errors.New("limiter: nil host")
	}
	if _, err := ParseGateMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	store := NewCounterStore()
	pool := NewScanPool(cfg.ScanWorkers, cfg.ScanQueue, logger.Named("scan"), opts.Metrics)
	e := &Engine{
		cfg:     cfg,
		host:    host,
		log:     logger,
		metrics: opts.Metrics,
		store:   store,
		gate:    NewGate(store, cfg.Cap, cfg.Mode, cfg.ClampRemovals, opts.Metrics),
		pool:    pool,
		rec:     NewReconciler(ctx, store, host, pool, cfg.ReconcileEveryTicks, opts.DriftSink, logger.Named("reconcile"), opts.Metrics),
		cancel:  cancel,
	}
	return e, nil
}

// RegionActivated starts tracking k and schedules its initial scan.
// Placements that arrive before the scan completes are counted against the
// empty table and then superseded by the scan result.
func (e *Engine) RegionActivated(k RegionKey) {
	if e.closed.Load() {
		return
	}
	e.store.GetOrCreateRegion(k)
	e.metrics.trackedRegions(e.store.Len())

	ok := e.pool.Submit(ScanJob{
		Task: ScanTask{Region: k, Kind: ScanInitial, Host: e.host},
		Done: func(t *RegionCounterTable, err error) {
			if err != nil {
				e.log.Debug("initial scan aborted", zap.Stringer("chunk", k), zap.Error(err))
				return
			}
			if _, ok := e.store.ReplaceRegion(k, t); !ok {
				e.log.Debug("chunk deactivated before initial scan finished", zap.Stringer("chunk", k))
			}
		},
	})
	if !ok {
		e.log.Warn("initial scan not scheduled; counts fill incrementally until next reconciliation", zap.Stringer("chunk", k))
	}
}

// RegionDeactivated drops every counter for k.
func (e *Engine) RegionDeactivated(k RegionKey) {
	e.store.RemoveRegion(k)
	e.metrics.trackedRegions(e.store.Len())
}

// PlacementAttempted is the player placement gate. The host must cancel the
// placement when the verdict is Rejected.
func (e *Engine) PlacementAttempted(k RegionKey, c Category) Verdict {
	if e.closed.Load() {
		return Accepted
	}
	return e.gate.AttemptPlace(k, c)
}

// PlacementForced counts a placement that is never subject to the cap.
func (e *Engine) PlacementForced(k RegionKey, c Category) {
	if e.closed.Load() {
		return
	}
	e.gate.RecordPlacement(k, c)
}

func (e *Engine) RemovalOccurred(k RegionKey, c Category) {
	e.gate.RecordRemoval(k, c)
}

// Tick drives the reconciliation interval.
func (e *Engine) Tick(tick uint64) {
	if e.closed.Load() {
		return
	}
	e.rec.OnTick(tick)
}

func (e *Engine) ReconcileNow(ctx context.Context, tick uint64) (PassReport, error) {
	if e.closed.Load() {
		return PassReport{}, ErrHostUnavailable
	}
	return e.rec.ReconcileNow(ctx, tick)
}

func (e *Engine) Remaining(k RegionKey, c Category) int64 { return e.gate.Remaining(k, c) }
func (e *Engine) SetCap(n int64)                          { e.gate.SetCap(n) }
func (e *Engine) Cap() int64                              { return e.gate.Cap() }

// Count returns the tracked count of c in k and whether k is tracked.
func (e *Engine) Count(k RegionKey, c Category) (int64, bool) {
	t, ok := e.store.Lookup(k)
	if !ok {
		return 0, false
	}
	return t.Count(c), true
}

// Counts returns a copy of the counters for k.
func (e *Engine) Counts(k RegionKey) (map[Category]int64, bool) {
	t, ok := e.store.Lookup(k)
	if !ok {
		return nil, false
	}
	return t.Snapshot(), true
}

func (e *Engine) TrackedRegions() []RegionKey { return e.store.SnapshotActiveRegionIDs() }

type Stats struct {
	Cap      int64      `json:"cap"`
	Mode     GateMode   `json:"mode"`
	Store    StoreStats `json:"store"`
	Pool     PoolStats  `json:"pool"`
	LastPass *PassStats `json:"last_pass,omitempty"`
}

type PassStats struct {
	Tick       uint64  `json:"tick"`
	Scanned    int     `json:"scanned"`
	Replaced   int     `json:"replaced"`
	Skipped    int     `json:"skipped"`
	Failed     int     `json:"failed"`
	Vanished   int     `json:"vanished"`
	Drift      int64   `json:"drift"`
	DurationMS float64 `json:"duration_ms"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Cap:   e.gate.Cap(),
		Mode:  e.gate.Mode(),
		Store: e.store.Stats(),
		Pool:  e.pool.Stats(),
	}
	if p, ok := e.rec.LastPass(); ok {
		st.LastPass = &PassStats{
			Tick:       p.Tick,
			Scanned:    p.Scanned,
			Replaced:   p.Replaced,
			Skipped:    len(p.Skipped),
			Failed:     len(p.Failed),
			Vanished:   len(p.Vanished),
			Drift:      p.TotalDrift(),
			DurationMS: float64(p.Duration.Microseconds()) / 1000,
		}
	}
	return st
}

// Close stops background scans and clears the store.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	e.pool.Close()
	e.rec.Wait()
	e.store.Clear()
	e.metrics.trackedRegions(0)
}
