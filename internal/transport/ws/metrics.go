package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	sessions         prometheus.Gauge
	messages         *prometheus.CounterVec
	rateLimitedTotal prometheus.Counter
	dropped          prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcap_ws_sessions",
			Help: "Open host sessions.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcap_ws_messages_total",
			Help: "Inbound messages by type.",
		}, []string{"type"}),
		rateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcap_ws_rate_limited_total",
			Help: "Inbound messages refused by the per-session rate limiter.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkcap_ws_out_dropped_total",
			Help: "Outbound messages dropped because the session queue was full.",
		}),
	}
}

func (m *Metrics) connected(d float64) {
	if m == nil {
		return
	}
	m.sessions.Add(d)
}

func (m *Metrics) message(typ string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(typ).Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) outDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
