// Package monitoring holds the host's Prometheus collectors.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Command channel metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Presence metrics
	PresenceEvents *prometheus.CounterVec

	// Enforcement metrics
	AlertActive prometheus.Gauge

	// Renderer transport metrics
	RendererConnections prometheus.Gauge
}

// NewMetrics creates collectors registered on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Command channel invocations by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time from receipt to completion of request/response commands",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"channel"},
		),
		PresenceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_events_total",
				Help:      "Presence events emitted by kind",
			},
			[]string{"event"},
		),
		AlertActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "persistent_alert_active",
				Help:      "1 while the window is held in persistent alert",
			},
		),
		RendererConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "renderer_connections",
				Help:      "Open renderer WebSocket connections",
			},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
