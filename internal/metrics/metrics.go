// Package metrics exposes relay counters on the admin /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MessagesHandled counts inbound messages that reached the orchestrator.
	MessagesHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Inbound messages processed by the orchestrator.",
	})

	// Activations counts dormant→active channel transitions.
	Activations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_activations_total",
		Help: "Channels activated by a name mention.",
	})

	// BackendFailures counts failed backend exchanges (non-200 or transport).
	BackendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_backend_failures_total",
		Help: "Backend exchanges that produced no reply.",
	})

	// BackendLatency observes the blocking backend round trip.
	BackendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_backend_seconds",
		Help:    "Latency of backend generation requests.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(MessagesHandled, Activations, BackendFailures, BackendLatency)
}
