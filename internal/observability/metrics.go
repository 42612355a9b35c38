package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Askari.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sanitizer metrics.
	SanitizerInputsTotal   *prometheus.CounterVec
	SanitizerFindingsTotal *prometheus.CounterVec

	// Validator metrics.
	ValidatorChecksTotal *prometheus.CounterVec
	ValidatorIssuesTotal *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxTimeoutsTotal     *prometheus.CounterVec

	// Pipeline metrics.
	PipelineToolCallsTotal *prometheus.CounterVec
	PipelineStageDuration  *prometheus.HistogramVec

	// Audit trail metrics.
	AuditEventsTotal *prometheus.CounterVec

	// Janitor metrics.
	JanitorSweepsTotal  *prometheus.CounterVec
	JanitorRemovedTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SanitizerInputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "sanitizer",
			Name:      "inputs_total",
			Help:      "Total inputs screened by the sanitizer.",
		}, []string{"source", "outcome"}),

		SanitizerFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "sanitizer",
			Name:      "findings_total",
			Help:      "Total sanitizer findings by kind and severity.",
		}, []string{"kind", "severity"}),

		ValidatorChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "validator",
			Name:      "checks_total",
			Help:      "Total command and path validations.",
		}, []string{"subject", "outcome"}),

		ValidatorIssuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "validator",
			Name:      "issues_total",
			Help:      "Total validator issues by kind and severity.",
		}, []string{"kind", "severity"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askari",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		SandboxTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "sandbox",
			Name:      "timeouts_total",
			Help:      "Total sandbox executions killed by timeout.",
		}, []string{"backend"}),

		PipelineToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "pipeline",
			Name:      "tool_calls_total",
			Help:      "Total tool calls routed through the pipeline.",
		}, []string{"tool", "outcome"}),

		PipelineStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askari",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"stage"}),

		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total audit events by layer and outcome.",
		}, []string{"layer", "outcome"}),

		JanitorSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total janitor sweep runs.",
		}, []string{"task", "status"}),

		JanitorRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Total items removed by janitor sweeps.",
		}, []string{"task"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "askari",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "askari",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "askari",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SanitizerInputsTotal,
		m.SanitizerFindingsTotal,
		m.ValidatorChecksTotal,
		m.ValidatorIssuesTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxTimeoutsTotal,
		m.PipelineToolCallsTotal,
		m.PipelineStageDuration,
		m.AuditEventsTotal,
		m.JanitorSweepsTotal,
		m.JanitorRemovedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
