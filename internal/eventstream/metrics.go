package eventstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks dev-console stream health.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics registers the dev-console stream metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lattice_host",
			Subsystem: "eventstream",
			Name:      "connections_active",
			Help:      "Number of open dev-console event stream connections.",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "eventstream",
			Name:      "events_total",
			Help:      "CloudEvents broadcast to dev-console subscribers, by type.",
		}, []string{"event_type"}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice_host",
			Subsystem: "eventstream",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan an event out to all active subscribers.",
			Buckets:   prometheus.DefBuckets,
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice_host",
			Subsystem: "eventstream",
			Name:      "errors_total",
			Help:      "Dropped events and subscriber send failures, by reason.",
		}, []string{"reason"}),
	}
}
