package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the accounting surface used by the gateway and the collectors
type Recorder interface {
	IncAccepted(n int)
	IncProcessed(n int)
	IncFailed(n int)
	IncDeadLettered(n int)
	ObserveBatchDuration(d time.Duration)
}

// Metrics holds the pipeline counters, registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	accepted      prometheus.Counter
	processed     prometheus.Counter
	failed        prometheus.Counter
	deadLettered  prometheus.Counter
	batchDuration prometheus.Histogram
}

// New registers the counters with a const "service" label
func New(service string) *Metrics {
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "events_accepted_total",
			Help:        "Number of events accepted for processing",
			ConstLabels: labels,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "events_processed_total",
			Help:        "Number of events published or persisted successfully",
			ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "events_failed_total",
			Help:        "Number of events that failed to publish or persist",
			ConstLabels: labels,
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "events_dead_lettered_total",
			Help:        "Number of messages parked in the dead-letter sink",
			ConstLabels: labels,
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "batch_duration_seconds",
			Help:        "Time spent processing one consumer batch",
			ConstLabels: labels,
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.accepted,
		m.processed,
		m.failed,
		m.deadLettered,
		m.batchDuration,
	)

	return m
}

func (m *Metrics) IncAccepted(n int)     { m.accepted.Add(float64(n)) }
func (m *Metrics) IncProcessed(n int)    { m.processed.Add(float64(n)) }
func (m *Metrics) IncFailed(n int)       { m.failed.Add(float64(n)) }
func (m *Metrics) IncDeadLettered(n int) { m.deadLettered.Add(float64(n)) }

func (m *Metrics) ObserveBatchDuration(d time.Duration) {
	m.batchDuration.Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
