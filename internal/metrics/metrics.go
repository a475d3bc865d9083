package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// Auth failure stages.
const (
	StageHandshake  = "handshake"
	StageEvent      = "event"
	StagePerMessage = "per_message"
)

// Metrics holds the relay's collectors.
type Metrics struct {
	OnlineUsers    prometheus.Gauge
	Connections    prometheus.Gauge
	MessagesRouted *prometheus.CounterVec
	AuthFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Number of identities currently in the presence registry.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of open websocket connections.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Messages persisted by the router, by delivery outcome.",
		}, []string{"delivery"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Failed authentication attempts, by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.OnlineUsers, m.Connections, m.MessagesRouted, m.AuthFailures)
	}
	return m
}

// Routed records one routed message.
func (m *Metrics) Routed(outcome domain.DeliveryOutcome) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(string(outcome)).Inc()
}

// AuthFailed records one failed authentication at stage.
func (m *Metrics) AuthFailed(stage string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(stage).Inc()
}

// SetOnline sets the online users gauge.
func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}
