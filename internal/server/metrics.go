// Package server metrics expose the relay's operational counters in
// Prometheus exposition format.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus instruments recorded by the hub and the
// sessions. Each Metrics value owns its registry, so independent instances
// (one per test, one per process) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions tracks the current size of the session registry.
	ActiveSessions prometheus.Gauge
	// MessagesRelayed counts per-recipient deliveries queued by the relay.
	MessagesRelayed prometheus.Counter
	// DeliveriesDropped counts per-recipient deliveries dropped because the
	// recipient's send buffer was full.
	DeliveriesDropped prometheus.Counter
	// AuthAttempts counts handshake outcomes, labeled by result.
	AuthAttempts *prometheus.CounterVec
	// Registrations counts successful user registrations.
	Registrations prometheus.Counter
}

// Handshake outcome labels for the AuthAttempts counter.
const (
	AuthAccepted      = "accepted"
	AuthRejected      = "rejected"
	AuthInvalidAction = "invalid_action"
)

// NewMetrics creates a Metrics collector backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_sessions",
			Help:      "Number of authenticated sessions currently registered.",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_relayed_total",
			Help:      "Per-recipient message deliveries queued by the broadcast relay.",
		}),
		DeliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_dropped_total",
			Help:      "Per-recipient message deliveries dropped due to a full send buffer.",
		}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "auth_attempts_total",
			Help:      "Handshake outcomes by result.",
		}, []string{"result"}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "registrations_total",
			Help:      "Successful user registrations.",
		}),
	}
}

// Handler returns an HTTP handler serving this collector's registry in
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
