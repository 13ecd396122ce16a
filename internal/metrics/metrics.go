// Package metrics defines the counters, gauges, and histograms every part
// of the host records against, registered together on one Prometheus
// registry so the admin /metrics endpoint serves a single scrape surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Host aggregates every metric the host records.
type Host struct {
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	ComponentsRunning  *prometheus.GaugeVec
	ProvidersRunning   *prometheus.GaugeVec
	HealthTransitions  *prometheus.CounterVec
	HeartbeatsSent     prometheus.Counter
	PolicyDenialsTotal *prometheus.CounterVec
}

// New registers the host's metrics on reg.
func New(reg prometheus.Registerer) *Host {
	factory := promauto.With(reg)
	return &Host{
		InvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "invocation",
			Name:      "total",
			Help:      "Invocations handled, labeled by component, lattice, host, operation, and outcome.",
		}, []string{"component_ref", "lattice", "host", "operation", "outcome"}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lattice_host",
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Invocation latency, labeled by component, lattice, host, and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component_ref", "lattice", "host", "operation"}),
		ComponentsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lattice_host",
			Subsystem: "supervisor",
			Name:      "components_running",
			Help:      "Current max_instances for each running component id.",
		}, []string{"component_id"}),
		ProvidersRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lattice_host",
			Subsystem: "supervisor",
			Name:      "providers_running",
			Help:      "1 while a provider id is running, 0 otherwise.",
		}, []string{"provider_id"}),
		HealthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "provider",
			Name:      "health_transitions_total",
			Help:      "Provider health state transitions, labeled by provider id and direction.",
		}, []string{"provider_id", "transition"}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "host",
			Name:      "heartbeats_total",
			Help:      "Heartbeat events published by this host.",
		}),
		PolicyDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "policy",
			Name:      "denials_total",
			Help:      "Policy gate denials, labeled by evaluation kind.",
		}, []string{"kind"}),
	}
}
