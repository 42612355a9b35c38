package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/sandbox"
	"github.com/jkaninda/askari/internal/sanitizer"
	"github.com/jkaninda/askari/internal/validator"
)

// SandboxRunner is the execution surface the pipeline depends on; both the
// raw sandbox.Dispatcher and InstrumentedSandbox satisfy it.
type SandboxRunner interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Execution, error)
}

// InstrumentedSandbox wraps a sandbox dispatcher with metrics, tracing, and
// anomaly tracking. Execution semantics are untouched.
type InstrumentedSandbox struct {
	inner   SandboxRunner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox runner with observability. Any of
// metrics, tracer setup, or anomaly may be nil.
func NewInstrumentedSandbox(inner SandboxRunner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Execution, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute")
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	if err != nil {
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.anomaly.RecordBlocked("sandbox")
		if s.metrics != nil && result == nil {
			s.metrics.SandboxExecutionsTotal.WithLabelValues("none", "spawn_error").Inc()
		}
	} else {
		s.anomaly.RecordPassed("sandbox")
	}

	if result != nil {
		backend := string(result.Backend)
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.Int("sandbox.exit_code", result.ExitCode),
				attribute.Bool("sandbox.killed_by_timeout", result.KilledByTimeout),
			)
		}
		if s.metrics != nil {
			s.metrics.SandboxExecutionsTotal.WithLabelValues(backend, string(result.Status)).Inc()
			s.metrics.SandboxExecutionDuration.WithLabelValues(backend).Observe(duration)
			if result.KilledByTimeout {
				s.metrics.SandboxTimeoutsTotal.WithLabelValues(backend).Inc()
			}
		}
	}

	return result, err
}

// ObserveSanitization records metrics and anomaly data for one sanitizer
// result. Nil-safe on every receiver.
func ObserveSanitization(m *MetricsCollector, anomaly *AnomalyDetector, source string, res *sanitizer.Result) {
	if res == nil {
		return
	}
	outcome := "pass"
	switch {
	case res.Blocked:
		outcome = "blocked"
	case len(res.Threats) > 0:
		outcome = "flagged"
	}
	if m != nil {
		m.SanitizerInputsTotal.WithLabelValues(source, outcome).Inc()
		for _, f := range res.Threats {
			m.SanitizerFindingsTotal.WithLabelValues(string(f.Kind), f.Severity.String()).Inc()
		}
	}
	if res.Blocked {
		anomaly.RecordBlocked("sanitizer")
	} else {
		anomaly.RecordPassed("sanitizer")
	}
}

// ObserveCommandValidation records metrics and anomaly data for one command
// validation result.
func ObserveCommandValidation(m *MetricsCollector, anomaly *AnomalyDetector, res *validator.CommandResult) {
	if res == nil {
		return
	}
	observeValidation(m, anomaly, "command", res.Valid, res.Issues)
}

// ObservePathValidation records metrics and anomaly data for one path
// validation result.
func ObservePathValidation(m *MetricsCollector, anomaly *AnomalyDetector, res *validator.PathResult) {
	if res == nil {
		return
	}
	observeValidation(m, anomaly, "path", res.Valid, res.Issues)
}

func observeValidation(m *MetricsCollector, anomaly *AnomalyDetector, subject string, valid bool, issues []validator.Issue) {
	outcome := "pass"
	switch {
	case !valid:
		outcome = "blocked"
	case len(issues) > 0:
		outcome = "flagged"
	}
	if m != nil {
		m.ValidatorChecksTotal.WithLabelValues(subject, outcome).Inc()
		for _, issue := range issues {
			m.ValidatorIssuesTotal.WithLabelValues(string(issue.Kind), issue.Severity.String()).Inc()
		}
	}
	if valid {
		anomaly.RecordPassed("validator")
	} else {
		anomaly.RecordBlocked("validator")
	}
}

// --- Compile-time interface checks ---

var (
	_ SandboxRunner = (*sandbox.Dispatcher)(nil)
	_ SandboxRunner = (*InstrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
