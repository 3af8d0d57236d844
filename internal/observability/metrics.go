// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and health checks for the execution engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for shellfence, registered
// on its own registry rather than the process-global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Policy metrics.
	PolicyDenialsTotal *prometheus.CounterVec

	// Supervisor metrics.
	TimeoutsTotal prometheus.Counter
	LiveProcesses prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellfence",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total command executions by mode and outcome.",
		}, []string{"mode", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellfence",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"mode"}),

		PolicyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellfence",
			Subsystem: "policy",
			Name:      "denials_total",
			Help:      "Commands rejected before spawn, by reason.",
		}, []string{"reason"}),

		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellfence",
			Subsystem: "supervisor",
			Name:      "timeouts_total",
			Help:      "Executions killed by the wall-clock timeout.",
		}),

		LiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellfence",
			Subsystem: "supervisor",
			Name:      "live_processes",
			Help:      "Processes currently tracked by the supervisor.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PolicyDenialsTotal,
		m.TimeoutsTotal,
		m.LiveProcesses,
	)

	return m
}

// RecordExecution increments the execution counter and duration histogram.
// Nil-safe so callers can run with metrics disabled.
func (m *MetricsCollector) RecordExecution(mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordDenial increments the policy denial counter.
func (m *MetricsCollector) RecordDenial(reason string) {
	if m == nil {
		return
	}
	m.PolicyDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordTimeout increments the timeout counter.
func (m *MetricsCollector) RecordTimeout() {
	if m == nil {
		return
	}
	m.TimeoutsTotal.Inc()
}

// SetLiveProcesses updates the live process gauge.
func (m *MetricsCollector) SetLiveProcesses(n int) {
	if m == nil {
		return
	}
	m.LiveProcesses.Set(float64(n))
}
