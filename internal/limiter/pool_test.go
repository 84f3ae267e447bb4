package limiter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestScanPool_RunsJobs(t *testing.T) {
	h := newFakeHost()
	p := NewScanPool(2, 8, zaptest.NewLogger(t), nil)
	defer p.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := map[RegionKey]int64{}
	for i := 0; i < 4; i++ {
		k := RegionKey{CX: i}
		h.put(k, map[Category]int{stone: i + 1})
		wg.Add(1)
		require.True(t, p.Submit(ScanJob{
			Task: ScanTask{Region: k, Kind: ScanInitial, Host: h},
			Done: func(tbl *RegionCounterTable, err error) {
				defer wg.Done()
				require.NoError(t, err)
				mu.Lock()
				got[k] = tbl.Count(stone)
				mu.Unlock()
			},
		}))
	}
	wg.Wait()

	assert.Equal(t, map[RegionKey]int64{{CX: 0}: 1, {CX: 1}: 2, {CX: 2}: 3, {CX: 3}: 4}, got)
	assert.Equal(t, uint64(4), p.Stats().Completed)
}

func TestScanPool_DropsWhenFullAndDrainsOnClose(t *testing.T) {
	h := newFakeHost()
	busy, queued, extra := RegionKey{CX: 1}, RegionKey{CX: 2}, RegionKey{CX: 3}
	for _, k := range []RegionKey{busy, queued, extra} {
		h.put(k, map[Category]int{stone: 1})
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.setHook(func(k RegionKey, _ int) {
		if k != busy {
			return
		}
		once.Do(func() { close(started) })
		<-release
	})

	p := NewScanPool(1, 1, zaptest.NewLogger(t), nil)
	var done atomic.Int32
	job := func(k RegionKey) ScanJob {
		return ScanJob{
			Task: ScanTask{Region: k, Kind: ScanReconcile, Host: h},
			Done: func(*RegionCounterTable, error) { done.Add(1) },
		}
	}

	require.True(t, p.Submit(job(busy)))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first job")
	}
	require.True(t, p.Submit(job(queued)))
	assert.False(t, p.Submit(job(extra)))
	assert.Equal(t, uint64(1), p.Stats().Dropped)

	close(release)
	p.Close()

	assert.Equal(t, int32(2), done.Load(), "every accepted job reports exactly once")
	assert.False(t, p.Submit(job(extra)))
	assert.Equal(t, 0, p.Stats().QueueDepth)
}
