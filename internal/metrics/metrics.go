// Package metrics declares tunnelgate's process-wide Prometheus
// collectors and the handler that exposes them on a scrape endpoint
// (SPEC_FULL.md §2 "Metrics", §4.4's GET /metrics).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector tunnelgate updates as tunnels come and go
// and requests are proxied.
type Metrics struct {
	ConnectedSockets prometheus.Gauge
	ActiveClients    prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
}

// New registers tunnelgate's collectors against reg and returns the
// Metrics handle used to update them. Passing a fresh
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests free of cross-test collector collisions.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedSockets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelgate",
			Name:      "connected_sockets",
			Help:      "Tunnel sockets currently connected across all clients.",
		}),
		ActiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelgate",
			Name:      "active_clients",
			Help:      "Live clients registered in the ClientManager.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelgate",
			Name:      "requests_total",
			Help:      "Public requests proxied through a tunnel, by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveOutcome increments the requests_total counter for the given
// outcome label ("ok", "queue_timeout", "too_many_waiters", "bad_gateway").
func (m *Metrics) ObserveOutcome(outcome string) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler for the scrape endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
