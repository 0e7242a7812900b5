package interceptor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ping outcomes recorded on mcp_sampling_pings_total.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics records ping outcomes. A nil *Metrics records nothing.
type Metrics struct {
	pings    *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the interceptor collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "sampling",
			Name:      "pings_total",
			Help:      "Sampling pings by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcp",
			Subsystem: "sampling",
			Name:      "ping_duration_seconds",
			Help:      "Round trip time of sampling pings, including failures.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pings, m.duration)
	}
	return m
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(o).Inc()
}

func (m *Metrics) observe(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
