package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, cfg Config, h Host) (*Engine, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	e, err := New(cfg, h, Options{Logger: zaptest.NewLogger(t), Metrics: m})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, m
}

func waitCount(t *testing.T, e *Engine, k RegionKey, c Category, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, ok := e.Count(k, c)
		return ok && n == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, nil, Options{})
	assert.Error(t, err)

	_, err = New(Config{Mode: "lenient"}, newFakeHost(), Options{})
	assert.Error(t, err)

	e, err := New(Config{}, newFakeHost(), Options{})
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, int64(DefaultCap), e.Cap())
	assert.Equal(t, GateStrict, e.Stats().Mode)
}

func TestEngine_ActivationPopulatesCounts(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{CX: 3, CZ: 3}
	h.put(k, map[Category]int{stone: 5, dirt: 3})
	e, _ := newTestEngine(t, Config{}, h)

	e.RegionActivated(k)
	waitCount(t, e, k, stone, 5)

	counts, ok := e.Counts(k)
	require.True(t, ok)
	assert.Equal(t, map[Category]int64{stone: 5, dirt: 3}, counts)
	assert.Equal(t, []RegionKey{k}, e.TrackedRegions())
}

func TestEngine_CapScenario(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{}
	h.put(k, nil)
	e, m := newTestEngine(t, Config{Cap: 10}, h)

	e.RegionActivated(k)
	require.Eventually(t, func() bool { return e.Stats().Pool.Completed == 1 }, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.Equal(t, Accepted, e.PlacementAttempted(k, stone))
	}
	assert.Equal(t, Rejected, e.PlacementAttempted(k, stone))
	e.RemovalOccurred(k, stone)
	assert.Equal(t, Accepted, e.PlacementAttempted(k, stone))

	n, _ := e.Count(k, stone)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, float64(11), testutil.ToFloat64(m.placements.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.placements.WithLabelValues("rejected")))
}

func TestEngine_DeactivationDuringInitialScan(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{CX: -4, CZ: 1}
	h.put(k, map[Category]int{stone: 50})

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.setHook(func(_ RegionKey, i int) {
		if i == 10 {
			once.Do(func() { close(reached) })
			<-release
		}
	})
	e, _ := newTestEngine(t, Config{}, h)

	e.RegionActivated(k)
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never reached the midpoint")
	}
	e.RegionDeactivated(k)
	close(release)

	require.Eventually(t, func() bool { return e.Stats().Pool.Completed == 1 }, 5*time.Second, 5*time.Millisecond)
	_, ok := e.Count(k, stone)
	assert.False(t, ok, "a finished scan must not resurrect a deactivated chunk")
	assert.Empty(t, e.TrackedRegions())
}

func TestEngine_DeactivationThenReactivation(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{CX: 1}
	h.put(k, map[Category]int{dirt: 2})
	e, _ := newTestEngine(t, Config{}, h)

	e.RegionActivated(k)
	waitCount(t, e, k, dirt, 2)
	e.PlacementForced(k, dirt)
	e.RegionDeactivated(k)

	h.put(k, map[Category]int{dirt: 4})
	e.RegionActivated(k)
	waitCount(t, e, k, dirt, 4)
}

func TestEngine_TickReconcilesDrift(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{CZ: 2}
	h.put(k, map[Category]int{stone: 2})
	e, m := newTestEngine(t, Config{ReconcileEveryTicks: 5}, h)

	e.RegionActivated(k)
	waitCount(t, e, k, stone, 2)

	// Placements the world never applied.
	for i := 0; i < 3; i++ {
		require.Equal(t, Accepted, e.PlacementAttempted(k, stone))
	}
	n, _ := e.Count(k, stone)
	require.Equal(t, int64(5), n)

	for tick := uint64(1); tick <= 5; tick++ {
		e.Tick(tick)
	}
	waitCount(t, e, k, stone, 2)
	require.Eventually(t, func() bool { return e.Stats().LastPass != nil }, 5*time.Second, 5*time.Millisecond)

	last := e.Stats().LastPass
	assert.Equal(t, uint64(5), last.Tick)
	assert.Equal(t, int64(3), last.Drift)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.drift))
}

func TestEngine_ReconcileNowAndClose(t *testing.T) {
	h := newFakeHost()
	k := RegionKey{}
	h.put(k, map[Category]int{wood: 1})
	e, _ := newTestEngine(t, Config{}, h)
	e.RegionActivated(k)
	waitCount(t, e, k, wood, 1)

	rep, err := e.ReconcileNow(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replaced)
	assert.Empty(t, rep.Drift)

	e.Close()
	e.Close()
	assert.Empty(t, e.TrackedRegions())
	assert.Equal(t, Accepted, e.PlacementAttempted(k, wood))
	_, err = e.ReconcileNow(context.Background(), 43)
	assert.ErrorIs(t, err, ErrHostUnavailable)
}
