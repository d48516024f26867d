package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medvault"

// Metrics counts the service's observable events: access decisions, session
// lifecycle, notification delivery and connection churn.
type Metrics struct {
	accessDecisions   *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	connections       *prometheus.CounterVec
	activeConnections prometheus.Gauge
	pushesDropped     prometheus.Counter
	eventsConsumed    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document_access",
			Name:      "decisions_total",
			Help:      "Document access decisions by access type, outcome and denial reason.",
		}, []string{"access_type", "outcome", "reason"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "document_access",
			Name:      "sessions_total",
			Help:      "Access sessions created or reused.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "dispatched_total",
			Help:      "Notifications by delivery result.",
		}, []string{"result"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_events_total",
			Help:      "Connection registry events.",
		}, []string{"event"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Currently registered real-time connections.",
		}),
		pushesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "pushes_dropped_total",
			Help:      "Pushes dropped because the connection was closed or its queue full.",
		}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Producer events consumed by source and result.",
		}, []string{"source", "result"}),
	}

	reg.MustRegister(
		m.accessDecisions,
		m.sessions,
		m.notifications,
		m.connections,
		m.activeConnections,
		m.pushesDropped,
		m.eventsConsumed,
	)
	return m
}

func (m *Metrics) AccessGranted(accessType string) {
	m.accessDecisions.WithLabelValues(accessType, "granted", "").Inc()
}

func (m *Metrics) AccessDenied(accessType, reason string) {
	m.accessDecisions.WithLabelValues(accessType, "denied", reason).Inc()
}

func (m *Metrics) SessionCreated() { m.sessions.WithLabelValues("created").Inc() }
func (m *Metrics) SessionReused()  { m.sessions.WithLabelValues("reused").Inc() }

func (m *Metrics) NotificationDelivered() {
	m.notifications.WithLabelValues("delivered").Inc()
}

func (m *Metrics) NotificationPersistedOnly() {
	m.notifications.WithLabelValues("persisted_only").Inc()
}

// NotificationBroadcast counts ephemeral role broadcasts and relays.
func (m *Metrics) NotificationBroadcast(delivered int) {
	m.notifications.WithLabelValues("ephemeral").Add(float64(delivered))
}

func (m *Metrics) ConnectionRegistered() {
	m.connections.WithLabelValues("registered").Inc()
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionUnregistered() {
	m.connections.WithLabelValues("unregistered").Inc()
	m.activeConnections.Dec()
}

func (m *Metrics) PushDropped() { m.pushesDropped.Inc() }

func (m *Metrics) EventConsumed(source, result string) {
	m.eventsConsumed.WithLabelValues(source, result).Inc()
}
