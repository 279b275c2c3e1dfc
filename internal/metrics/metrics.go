// ABOUTME: Prometheus instrumentation for the command routing pipeline.
// ABOUTME: Counts routed commands per action/outcome and tracks live connections.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
}

// New creates a Metrics registry. The connection counts are read live
// from the registries through the supplied callbacks.
func New(agentCount, browserCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screencontrol_commands_total",
			Help: "Commands routed, by action and terminal outcome.",
		}, []string{"action", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screencontrol_command_duration_seconds",
			Help:    "Time from command acceptance to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
	}

	reg.MustRegister(m.CommandsTotal, m.CommandDuration)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "screencontrol_connected_agents",
		Help: "Agents currently tracked by the registry.",
	}, agentCount))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "screencontrol_connected_browsers",
		Help: "Browser extensions currently connected.",
	}, browserCount))

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one routed command.
func (m *Metrics) Observe(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(action, outcome).Inc()
	m.CommandDuration.WithLabelValues(action).Observe(seconds)
}
