package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is reported to jobs still queued when the pool shuts down.
var ErrPoolClosed = errors.New("limiter: scan pool closed")

// ScanJob is a queued scan. Done is called exactly once, from a worker or
// from Close, with either a table or an error.
type ScanJob struct {
	Task ScanTask
	Done func(*RegionCounterTable, error)
}

// ScanPool runs scans on a fixed set of workers fed by a bounded queue.
type ScanPool struct {
	log     *zap.Logger
	metrics *Metrics

	jobs   chan ScanJob
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	dropped   atomic.Uint64
	completed atomic.Uint64
}

func NewScanPool(workers, queue int, logger *zap.Logger, metrics *Metrics) *ScanPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &ScanPool{
		log:     logger,
		metrics: metrics,
		jobs:    make(chan ScanJob, queue),
		cancel:  cancel,
		g:       g,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	return p
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or the pool is closed; Done is not called in that case.
func (p *ScanPool) Submit(job ScanJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.droppedJob()
		p.log.Warn("scan queue full, dropping job",
			zap.Stringer("chunk", job.Task.Region),
			zap.String("kind", string(job.Task.Kind)))
		return false
	}
}

func (p *ScanPool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(ctx, job)
		}
	}
}

func (p *ScanPool) run(ctx context.Context, job ScanJob) {
	start := time.Now()
	t, err := job.Task.Run(ctx)
	p.metrics.scan(job.Task.Kind, err, time.Since(start))
	if job.Done != nil {
		job.Done(t, err)
	}
	p.completed.Add(1)
}

// Close stops the workers, fails any queued jobs with ErrPoolClosed and
// waits for in-flight scans to return.
func (p *ScanPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()
		_ = p.g.Wait()

		for {
			select {
			case job := <-p.jobs:
				if job.Done != nil {
					job.Done(nil, ErrPoolClosed)
				}
			default:
				return
			}
		}
	})
}

type PoolStats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Dropped       uint64 `json:"dropped"`
	Completed     uint64 `json:"completed"`
}

func (p *ScanPool) Stats() PoolStats {
	return PoolStats{
		QueueDepth:    len(p.jobs),
		QueueCapacity: cap(p.jobs),
		Dropped:       p.dropped.Load(),
		Completed:     p.completed.Load(),
	}
}
