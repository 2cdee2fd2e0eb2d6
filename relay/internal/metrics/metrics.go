// Package metrics defines the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results.
const (
	ResultDelivered = "delivered"
	ResultMissed    = "missed"
	ResultDropped   = "dropped"
)

// Metrics holds every relay collector. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Registry
	IdentitiesRegistered prometheus.Counter
	RegistrationErrors   *prometheus.CounterVec

	// Sessions
	Connections       prometheus.Counter
	Rejections        *prometheus.CounterVec
	SessionsReplaced  prometheus.Counter
	SessionsActive    prometheus.Gauge
	IdentitiesKnown   prometheus.Gauge
	SubscriptionEdges prometheus.Gauge

	// Routing
	MessagesRouted *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
}

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arc_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		IdentitiesRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "arc_identities_registered_total",
			Help: "Total identities registered",
		}),
		RegistrationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_registration_errors_total",
				Help: "Total failed registrations",
			},
			[]string{"code"},
		),

		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "arc_connections_total",
			Help: "Total admitted websocket connections",
		}),
		Rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_connection_rejections_total",
				Help: "Total websocket handshakes rejected by the auth gate",
			},
			[]string{"reason"},
		),
		SessionsReplaced: f.NewCounter(prometheus.CounterOpts{
			Name: "arc_sessions_replaced_total",
			Help: "Total sessions closed because the identity reconnected",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "arc_sessions_active",
			Help: "Live sessions",
		}),
		IdentitiesKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "arc_identities",
			Help: "Registered identities",
		}),
		SubscriptionEdges: f.NewGauge(prometheus.GaugeOpts{
			Name: "arc_subscription_edges",
			Help: "Subscription edges",
		}),

		MessagesRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_messages_routed_total",
				Help: "Total inbound messages routed",
			},
			[]string{"kind"}, // "broadcast", "direct" or "command"
		),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arc_deliveries_total",
				Help: "Per-recipient delivery outcomes",
			},
			[]string{"result"},
		),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "arc_protocol_errors_total",
			Help: "Total inbound frames answered with an error frame",
		}),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors
// plus the relay collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

// ObserveRoute records one routed message.
func (m *Metrics) ObserveRoute(kind string, delivered, missed, dropped int) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(kind).Inc()
	m.Deliveries.WithLabelValues(ResultDelivered).Add(float64(delivered))
	m.Deliveries.WithLabelValues(ResultMissed).Add(float64(missed))
	m.Deliveries.WithLabelValues(ResultDropped).Add(float64(dropped))
}

// ObserveProtocolError records an inbound frame answered with an error.
func (m *Metrics) ObserveProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// ObserveConnect records an admitted connection.
func (m *Metrics) ObserveConnect(replaced bool) {
	if m == nil {
		return
	}
	m.Connections.Inc()
	if replaced {
		m.SessionsReplaced.Inc()
	}
}

// ObserveRejection records a handshake rejected for reason.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// ObserveRegistration records a registration outcome. code is empty on
// success.
func (m *Metrics) ObserveRegistration(code string) {
	if m == nil {
		return
	}
	if code == "" {
		m.IdentitiesRegistered.Inc()
		return
	}
	m.RegistrationErrors.WithLabelValues(code).Inc()
}

// SetSnapshot updates the state gauges.
func (m *Metrics) SetSnapshot(sessions, identities, edges int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(sessions))
	m.IdentitiesKnown.Set(float64(identities))
	m.SubscriptionEdges.Set(float64(edges))
}
