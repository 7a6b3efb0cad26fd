package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics holds Prometheus metrics for bus fan-out.
type BusMetrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	Mode              *prometheus.GaugeVec
}

// NewBusMetrics creates and registers bus metrics on the given registry.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_received_total",
			Help:      "Bus messages received by the router, by outcome (delivered, not_local, malformed).",
		}, []string{"outcome"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_published_total",
			Help:      "Envelopes published to the bus, by type and status.",
		}, []string{"type", "status"}),
		Mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "mode",
			Help:      "Active bus implementation (1 for the mode in use).",
		}, []string{"mode"}),
	}

	reg.MustRegister(m.MessagesReceived, m.MessagesPublished, m.Mode)
	return m
}
