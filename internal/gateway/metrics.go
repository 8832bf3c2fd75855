// ABOUTME: Prometheus counters for classified gateway outcomes
// ABOUTME: Registered on an injected registerer so tests get isolated registries

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts call outcomes.
type Metrics struct {
	requests  *prometheus.CounterVec
	teardowns prometheus.Counter
}

// NewMetrics creates the gateway counters and registers them on reg.
// A nil reg leaves them unregistered but usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendsense",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway calls by outcome class.",
		}, []string{"class"}),
		teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spendsense",
			Subsystem: "gateway",
			Name:      "session_teardowns_total",
			Help:      "Global session teardowns triggered by 401 responses or local expiry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.teardowns)
	}
	return m
}

func (m *Metrics) observe(class string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class).Inc()
}

func (m *Metrics) teardown() {
	if m == nil {
		return
	}
	m.teardowns.Inc()
}
