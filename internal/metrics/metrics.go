// Package metrics holds the Prometheus collectors of the orchestrator. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "disturbancemonitor"

type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	rollbacks    *prometheus.CounterVec
	polls        *prometheus.CounterVec
	pollAttempts prometheus.Histogram
	transitions  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Monitor operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of monitor operations.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"op"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_deletes_total",
			Help:      "Resource deletions issued during rollback by result.",
		}, []string{"status"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_polled_total",
			Help:      "Polled remote jobs by terminal outcome.",
		}, []string{"outcome"}),
		pollAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_poll_attempts",
			Help:      "Status checks needed until a job reached a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Persisted monitor state changes.",
		}, []string{"to"}),
	}
}

func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RollbackDelete(status string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
}

func (m *Metrics) JobPolled(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
	m.pollAttempts.Observe(float64(attempts))
}

func (m *Metrics) StateChanged(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
