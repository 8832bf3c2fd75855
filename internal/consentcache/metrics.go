// ABOUTME: Prometheus counters for cache reads, refetches, discards and evictions
// ABOUTME: Nil-safe so a cache without metrics pays nothing

package consentcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache operations by outcome.
type Metrics struct {
	ops *prometheus.CounterVec
}

// NewMetrics creates the cache counters and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendsense",
			Subsystem: "consentcache",
			Name:      "operations_total",
			Help:      "Cache operations by outcome (hit, stale, miss, refresh, discard, evict).",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops)
	}
	return m
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(outcome).Inc()
}
