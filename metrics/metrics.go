// Package metrics holds the prometheus instrumentation shared by the
// listeners and the session registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the server updates at runtime. Construct one
// per process with New and share it by reference.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveConnections tracks accepted streaming connections whose router
	// loop is still running.
	ActiveConnections prometheus.Gauge

	// ActiveSessions tracks authenticated sessions in the registry.
	ActiveSessions prometheus.Gauge

	// EventsProcessed counts inbound envelopes by type.
	EventsProcessed *prometheus.CounterVec

	// Deliveries counts payloads written to live sessions.
	Deliveries prometheus.Counter

	// DeliveryFailures counts writes that failed and evicted their session.
	DeliveryFailures prometheus.Counter

	// RateLimited counts envelopes dropped by the per-connection limiter.
	RateLimited prometheus.Counter
}

// New creates a Metrics bundle on its own registry.
//
// Returns:
//   - A ready *Metrics; expose it via Handler
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Streaming connections with a live router loop.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Authenticated sessions in the registry.",
		}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_processed_total",
			Help: "Inbound envelopes dispatched, by event type.",
		}, []string{"type"}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Payloads delivered to live sessions.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_delivery_failures_total",
			Help: "Session writes that failed and evicted the session.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Envelopes dropped by the per-connection rate limiter.",
		}),
	}
}

// Handler returns the HTTP handler serving this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
