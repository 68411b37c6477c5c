package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the live-channel Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	eventsIn    *prometheus.CounterVec
	eventsOut   *prometheus.CounterVec
	dropped     prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "online_users",
			Help:      "Distinct users with at least one joined connection.",
		}),
		eventsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "events_received_total",
			Help:      "Inbound live events by type.",
		}, []string{"type"}),
		eventsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "events_delivered_total",
			Help:      "Outbound live events queued for delivery, by type.",
		}, []string{"type"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "dropped_frames_total",
			Help:      "Frames discarded because a connection queue was full or closing.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Rejected handshakes and dropped inbound frames, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) received(typ string) {
	if m != nil {
		m.eventsIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) delivered(typ string, n int) {
	if m != nil && n > 0 {
		m.eventsOut.WithLabelValues(typ).Add(float64(n))
	}
}

func (m *Metrics) droppedFrames(n int) {
	if m != nil && n > 0 {
		m.dropped.Add(float64(n))
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
