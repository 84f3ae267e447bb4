package limiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	placements   *prometheus.CounterVec
	removals     prometheus.Counter
	scans        *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	dropped      prometheus.Counter
	drift        prometheus.Counter
	tracked      prometheus.Gauge
}

// NewMetrics registers the collectors on reg. With a nil reg the collectors
// are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		placements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcap_placements_total",
			Help: "Placement decisions by verdict.",
		}, []string{"verdict"}),
		removals: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcap_removals_total",
			Help: "Removals applied to a tracked counter.",
		}),
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcap_scans_total",
			Help: "Chunk scans by kind and result.",
		}, []string{"kind", "result"}),
		scanDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkcap_scan_duration_seconds",
			Help:    "Time spent enumerating one chunk.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcap_scan_jobs_dropped_total",
			Help: "Scan jobs dropped because the queue was full.",
		}),
		drift: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcap_reconcile_drift_total",
			Help: "Sum of absolute counter corrections applied by reconciliation.",
		}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcap_tracked_regions",
			Help: "Chunks currently tracked by the counter store.",
		}),
	}
}

func (m *Metrics) placement(v Verdict) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(v.String()).Inc()
}

func (m *Metrics) removal() {
	if m == nil {
		return
	}
	m.removals.Inc()
}

func (m *Metrics) scan(kind ScanKind, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scans.WithLabelValues(string(kind), result).Inc()
	m.scanDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) droppedJob() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) driftApplied(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.drift.Add(float64(n))
}

func (m *Metrics) trackedRegions(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
