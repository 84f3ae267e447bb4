package limiter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPassInProgress is returned by ReconcileNow while another pass runs.
var ErrPassInProgress = errors.New("limiter: reconciliation pass in progress")

// RegionDrift records a chunk whose counters changed during reconciliation.
type RegionDrift struct {
	Region RegionKey
	Before map[Category]int64
	After  map[Category]int64
}

// Delta is the sum of absolute per-block corrections.
func (d RegionDrift) Delta() int64 {
	var sum int64
	for c, a := range d.After {
		sum += abs64(a - d.Before[c])
	}
	for c, b := range d.Before {
		if _, ok := d.After[c]; !ok {
			sum += abs64(b)
		}
	}
	return sum
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// PassReport summarizes one reconciliation pass.
type PassReport struct {
	Tick      uint64
	StartedAt time.Time
	Duration  time.Duration

	Scanned  int
	Replaced int

	// Skipped chunks were tracked but reported unloaded before scanning.
	// Their stale tables are dropped.
	Skipped []RegionKey
	// Failed chunks had their scan error out or their job dropped.
	Failed []RegionKey
	// Vanished chunks were deactivated while their scan ran.
	Vanished []RegionKey

	Drift []RegionDrift
}

func (r PassReport) TotalDrift() int64 {
	var sum int64
	for _, d := range r.Drift {
		sum += d.Delta()
	}
	return sum
}

// DriftSink receives every completed pass.
type DriftSink interface {
	RecordPass(PassReport)
}

// Reconciler periodically rescans every tracked chunk and swaps in the exact
// tally.
type Reconciler struct {
	store   *CounterStore
	host    Host
	pool    *ScanPool
	every   uint64
	sink    DriftSink
	log     *zap.Logger
	metrics *Metrics

	ctx         context.Context
	running     atomic.Bool
	lastTrigger atomic.Uint64
	wg      sync.WaitGroup

	lastMu sync.Mutex
	last   *PassReport
}

func NewReconciler(ctx context.Context, store *CounterStore, host Host, pool *ScanPool, everyTicks uint64, sink DriftSink, logger *zap.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		host:    host,
		pool:    pool,
		every:   everyTicks,
		sink:    sink,
		log:     logger,
		metrics: metrics,
		ctx:     ctx,
	}
}

// OnTick starts a background pass once at least every ticks have elapsed
// since the previous trigger. Tick values may skip; a gap spanning the
// interval still fires on the first tick after it. A trigger that arrives
// while a pass is still running is skipped.
func (r *Reconciler) OnTick(tick uint64) bool {
	if r.every == 0 {
		return false
	}
	for {
		last := r.lastTrigger.Load()
		if tick <= last || tick-last < r.every {
			return false
		}
		if r.lastTrigger.CompareAndSwap(last, tick) {
			break
		}
	}
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("reconciliation still running, skipping trigger", zap.Uint64("tick", tick))
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		r.runPass(r.ctx, tick)
	}()
	return true
}

// ReconcileNow runs a pass and waits for every chunk in it to finish.
func (r *Reconciler) ReconcileNow(ctx context.Context, tick uint64) (PassReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return PassReport{}, ErrPassInProgress
	}
	defer r.running.Store(false)
	return r.runPass(ctx, tick), nil
}

// Wait blocks until background passes started by OnTick have returned.
func (r *Reconciler) Wait() { r.wg.Wait() }

func (r *Reconciler) LastPass() (PassReport, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return PassReport{}, false
	}
	return *r.last, true
}

func (r *Reconciler) runPass(ctx context.Context, tick uint64) PassReport {
	rep := PassReport{Tick: tick, StartedAt: time.Now()}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, k := range r.store.SnapshotActiveRegionIDs() {
		if ctx.Err() != nil {
			break
		}
		if !r.host.IsRegionLoaded(k) {
			// A placement racing an unload can recreate a table after
			// RegionDeactivated ran; drop it here.
			if t, ok := r.store.Lookup(k); ok && !r.host.IsRegionLoaded(k) {
				r.store.RemoveRegionIf(k, t)
			}
			mu.Lock()
			rep.Skipped = append(rep.Skipped, k)
			mu.Unlock()
			continue
		}

		k := k
		wg.Add(1)
		job := ScanJob{
			Task: ScanTask{Region: k, Kind: ScanReconcile, Host: r.host},
			Done: func(t *RegionCounterTable, err error) {
				defer wg.Done()
				mu.Lock()
				defer mu.Unlock()
				r.publish(&rep, k, t, err)
			},
		}
		if !r.pool.Submit(job) {
			wg.Done()
			mu.Lock()
			rep.Failed = append(rep.Failed, k)
			mu.Unlock()
		}
	}
	wg.Wait()

	rep.Duration = time.Since(rep.StartedAt)
	sortKeys(rep.Skipped)
	sortKeys(rep.Failed)
	sortKeys(rep.Vanished)
	sort.Slice(rep.Drift, func(i, j int) bool { return lessKey(rep.Drift[i].Region, rep.Drift[j].Region) })

	drift := rep.TotalDrift()
	r.metrics.driftApplied(drift)
	r.metrics.trackedRegions(r.store.Len())
	r.log.Info("reconciliation pass complete",
		zap.Uint64("tick", tick),
		zap.Int("scanned", rep.Scanned),
		zap.Int("replaced", rep.Replaced),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Int("failed", len(rep.Failed)),
		zap.Int("vanished", len(rep.Vanished)),
		zap.Int64("drift", drift),
		zap.Duration("took", rep.Duration))

	r.lastMu.Lock()
	last := rep
	r.last = &last
	r.lastMu.Unlock()

	if r.sink != nil {
		r.sink.RecordPass(rep)
	}
	return rep
}

// publish runs with the pass mutex held.
func (r *Reconciler) publish(rep *PassReport, k RegionKey, t *RegionCounterTable, err error) {
	if err != nil {
		r.log.Debug("reconcile scan aborted", zap.Stringer("chunk", k), zap.Error(err))
		rep.Failed = append(rep.Failed, k)
		return
	}
	rep.Scanned++
	old, ok := r.store.ReplaceRegion(k, t)
	if !ok {
		rep.Vanished = append(rep.Vanished, k)
		return
	}
	rep.Replaced++

	before := old.Snapshot()
	after := t.Snapshot()
	if !sameCounts(before, after) {
		rep.Drift = append(rep.Drift, RegionDrift{Region: k, Before: before, After: after})
		r.log.Debug("recalibrated chunk", zap.Stringer("chunk", k), zap.Any("counts", after))
	}
}

// sameCounts treats a zero counter and a missing counter as equal.
func sameCounts(a, b map[Category]int64) bool {
	for c, n := range a {
		if b[c] != n {
			return false
		}
	}
	for c, n := range b {
		if a[c] != n {
			return false
		}
	}
	return true
}

func lessKey(a, b RegionKey) bool {
	if a.CX != b.CX {
		return a.CX < b.CX
	}
	return a.CZ < b.CZ
}

func sortKeys(keys []RegionKey) {
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
}
