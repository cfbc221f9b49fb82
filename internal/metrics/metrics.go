// Package metrics exposes Prometheus collectors for the invocation
// pipeline: submissions, dispatch deliveries and worker outcomes.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type pipelineMetrics struct {
	registry *prometheus.Registry

	submissionsTotal   *prometheus.CounterVec
	dispatchTotal      *prometheus.CounterVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
}

// Buckets for invocation duration in milliseconds.
var durationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var (
	initOnce sync.Once
	pm       *pipelineMetrics
)

func get() *pipelineMetrics {
	initOnce.Do(func() {
		registry := prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		pm = &pipelineMetrics{
			registry: registry,

			submissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "agnxi",
					Name:      "submissions_total",
					Help:      "Invocation submissions by outcome",
				},
				[]string{"outcome"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "agnxi",
					Name:      "dispatch_deliveries_total",
					Help:      "Dispatch deliveries to the worker invoker by result",
				},
				[]string{"result"},
			),
			invocationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "agnxi",
					Name:      "invocations_total",
					Help:      "Worker invocations by terminal status",
				},
				[]string{"status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "agnxi",
					Name:      "invocation_duration_ms",
					Help:      "Invocation execution duration in milliseconds",
					Buckets:   durationBuckets,
				},
				[]string{"status"},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "agnxi",
					Name:      "dispatch_queue_depth",
					Help:      "Pending messages on the dispatch queue",
				},
			),
		}

		registry.MustRegister(
			pm.submissionsTotal,
			pm.dispatchTotal,
			pm.invocationsTotal,
			pm.invocationDuration,
			pm.queueDepth,
		)
	})
	return pm
}

// RecordSubmission counts one Submit call by outcome
// (accepted, quota_exceeded, payload_too_large, agent_not_found, invalid, error).
func RecordSubmission(outcome string) {
	get().submissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatchDelivery counts one dispatch delivery result
// (delivered, exhausted).
func RecordDispatchDelivery(result string) {
	get().dispatchTotal.WithLabelValues(result).Inc()
}

// RecordInvocation counts one terminal invocation and observes its duration.
func RecordInvocation(status string, durationMS float64) {
	m := get()
	m.invocationsTotal.WithLabelValues(status).Inc()
	m.invocationDuration.WithLabelValues(status).Observe(durationMS)
}

// SetDispatchQueueDepth records the current dispatch backlog.
func SetDispatchQueueDepth(depth int) {
	get().queueDepth.Set(float64(depth))
}

// Handler returns the Prometheus scrape handler for this registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(get().registry, promhttp.HandlerOpts{})
}
