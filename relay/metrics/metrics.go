// Package metrics exposes the relay's Prometheus collectors on a private
// registry served by the query server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcome label values.
const (
	OutcomeCommitted   = "committed"
	OutcomeRetried     = "retried"
	OutcomeDead        = "dead"
	OutcomeDuplicate   = "duplicate"
	OutcomeCircuitOpen = "circuit_open"
)

// Event outcome label values.
const (
	OutcomeApplied    = "applied"
	OutcomeSkipped    = "skipped"
	OutcomeDeadLetter = "dead_letter"
)

// Breaker state gauge values.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

// Metrics bundles every collector the relay exports.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatcher
	CommandsTotal *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Projector
	EventsTotal        *prometheus.CounterVec
	ProjectorLastBlock *prometheus.GaugeVec

	// Ledger client
	BreakerState   prometheus.Gauge
	SubmitDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Commands processed by the dispatcher, by command type and outcome.",
		}, []string{"command_type", "outcome"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Commands currently in each lifecycle state.",
		}, []string{"status"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "projector",
			Name:      "events_total",
			Help:      "Ledger events handled by the projector, by event name and outcome.",
		}, []string{"tenant", "event_name", "outcome"}),

		ProjectorLastBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "projector",
			Name:      "last_block",
			Help:      "Last ledger block applied per tenant channel.",
		}, []string{"tenant", "channel"}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "ledger",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "ledger",
			Name:      "submit_duration_seconds",
			Help:      "Ledger submission latency from proposal to acceptance.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the private registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint handler backed by the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth replaces the queue depth gauge with a fresh status count
// snapshot. Absent statuses drop to zero so drained states do not linger.
func (m *Metrics) SetQueueDepth(counts map[string]int64, statuses []string) {
	for _, status := range statuses {
		m.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}
