package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics holds Prometheus metrics for the notification socket core.
type ConnectionMetrics struct {
	ActiveConnections prometheus.Gauge
	AcceptedTotal     prometheus.Counter
	Rejections        *prometheus.CounterVec
	Closures          *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	InboundFrames     *prometheus.CounterVec
	HeartbeatsSent    prometheus.Counter
}

// NewConnectionMetrics creates and registers connection metrics on the given registry.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of registered notification sessions on this instance.",
		}),
		AcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "accepted_total",
			Help:      "Total number of authenticated connections accepted.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejections_total",
			Help:      "Upgrade requests refused before the handshake, by reason.",
		}, []string{"reason"}),
		Closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "closures_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_delivered_total",
			Help:      "Envelopes written to client sockets, by type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_dropped_total",
			Help:      "Envelopes dropped before reaching a socket, by type and reason.",
		}, []string{"type", "reason"}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "inbound_frames_total",
			Help:      "Client frames received, by type.",
		}, []string{"type"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "heartbeat_pings_total",
			Help:      "Heartbeat pings sent by the liveness monitor.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.AcceptedTotal,
		m.Rejections,
		m.Closures,
		m.MessagesDelivered,
		m.MessagesDropped,
		m.InboundFrames,
		m.HeartbeatsSent,
	)
	return m
}
