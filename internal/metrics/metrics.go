// Package metrics exposes deployment counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foliodeploy/internal/deployment"
	"foliodeploy/internal/derrors"
)

const namespace = "foliodeploy"

// Metrics owns a private registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	tokenExchanges *prometheus.CounterVec
	stepRetries    *prometheus.CounterVec
	jobsRunning    prometheus.GaugeFunc
}

// New registers every collector. running reports jobs in flight and may be nil.
func New(running func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Deployment jobs that reached a terminal state.",
		}, []string{"state", "code"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Installation token exchanges by result.",
		}, []string{"result"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Automatic retries of transient step failures.",
		}, []string{"step"}),
	}

	m.registry.MustRegister(
		m.jobsFinished,
		m.jobDuration,
		m.tokenExchanges,
		m.stepRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if running != nil {
		m.jobsRunning = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Deployment jobs currently in flight.",
		}, func() float64 { return float64(running()) })
		m.registry.MustRegister(m.jobsRunning)
	}
	return m
}

// JobFinished implements deployment.Observer.
func (m *Metrics) JobFinished(state deployment.State, code derrors.Code, d time.Duration) {
	m.jobsFinished.WithLabelValues(string(state), string(code)).Inc()
	m.jobDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

// StepRetried implements deployment.Observer.
func (m *Metrics) StepRetried(step string) {
	m.stepRetries.WithLabelValues(step).Inc()
}

// TokenExchanged counts one exchange; result is ok, transient or permanent.
func (m *Metrics) TokenExchanged(result string) {
	m.tokenExchanges.WithLabelValues(result).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ deployment.Observer = (*Metrics)(nil)
