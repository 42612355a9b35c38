package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/sanitizer"
	"github.com/jkaninda/askari/internal/security"
	"github.com/jkaninda/askari/internal/validator"
)

// gatherCounter returns the summed value of a counter family across all
// label combinations, 0 when the family has no samples yet.
func gatherCounter(t *testing.T, m *MetricsCollector, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func findFamily(t *testing.T, m *MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestMetricsCollectorRegistersAllFamilies(t *testing.T) {
	m := NewMetricsCollector()

	m.SanitizerInputsTotal.WithLabelValues("cli", "pass").Inc()
	m.ValidatorChecksTotal.WithLabelValues("command", "blocked").Inc()
	m.SandboxExecutionsTotal.WithLabelValues("process", "completed").Inc()
	m.AuditEventsTotal.WithLabelValues("sanitizer", "pass").Inc()
	m.JanitorSweepsTotal.WithLabelValues("sandbox", "ok").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	for _, name := range []string{
		"askari_sanitizer_inputs_total",
		"askari_validator_checks_total",
		"askari_sandbox_executions_total",
		"askari_audit_events_total",
		"askari_janitor_sweeps_total",
		"askari_http_requests_total",
	} {
		if got := gatherCounter(t, m, name); got != 1 {
			t.Errorf("counter %s = %v, want 1", name, got)
		}
	}
}

func TestObserveSanitization(t *testing.T) {
	m := NewMetricsCollector()

	ObserveSanitization(m, nil, "http", &sanitizer.Result{
		Blocked: true,
		Threats: []sanitizer.Finding{
			{Kind: sanitizer.KindPromptInjection, Severity: security.SeverityCritical},
			{Kind: sanitizer.KindNestingDepth, Severity: security.SeverityMedium},
		},
	})

	if got := gatherCounter(t, m, "askari_sanitizer_inputs_total"); got != 1 {
		t.Errorf("inputs_total = %v, want 1", got)
	}
	if got := gatherCounter(t, m, "askari_sanitizer_findings_total"); got != 2 {
		t.Errorf("findings_total = %v, want 2", got)
	}

	fam := findFamily(t, m, "askari_sanitizer_inputs_total")
	if fam == nil {
		t.Fatal("inputs_total family not found")
	}
	labels := map[string]string{}
	for _, l := range fam.GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["outcome"] != "blocked" {
		t.Errorf("outcome label = %q, want blocked", labels["outcome"])
	}
}

func TestObserveCommandValidation(t *testing.T) {
	m := NewMetricsCollector()

	ObserveCommandValidation(m, nil, &validator.CommandResult{
		Valid: false,
		Issues: []validator.Issue{
			{Kind: validator.IssueBlockedCommand, Severity: security.SeverityCritical},
		},
	})
	ObserveCommandValidation(m, nil, &validator.CommandResult{Valid: true})

	if got := gatherCounter(t, m, "askari_validator_checks_total"); got != 2 {
		t.Errorf("checks_total = %v, want 2", got)
	}
	if got := gatherCounter(t, m, "askari_validator_issues_total"); got != 1 {
		t.Errorf("issues_total = %v, want 1", got)
	}
}

func TestObserveHelpersNilSafe(t *testing.T) {
	// No collector, no anomaly detector: must not panic.
	ObserveSanitization(nil, nil, "cli", &sanitizer.Result{Blocked: true})
	ObserveCommandValidation(nil, nil, &validator.CommandResult{Valid: true})
	ObservePathValidation(nil, nil, &validator.PathResult{Valid: false})
	ObserveSanitization(nil, nil, "cli", nil)
}

func TestAnomalyDetectorBlockRate(t *testing.T) {
	det := NewAnomalyDetector(&config.AnomalyConfig{
		WindowSeconds:      300,
		BlockRateThreshold: 0.5,
	}, slog.Default())

	for i := 0; i < 3; i++ {
		det.RecordPassed("sanitizer")
	}
	det.RecordBlocked("sanitizer")

	if got := det.BlockRate("sanitizer"); got != 0.25 {
		t.Errorf("BlockRate = %v, want 0.25", got)
	}
	if got := det.BlockRate("validator"); got != 0 {
		t.Errorf("BlockRate for untouched layer = %v, want 0", got)
	}
}

func TestAnomalyDetectorNilSafe(t *testing.T) {
	var det *AnomalyDetector
	det.RecordBlocked("sanitizer")
	det.RecordPassed("sanitizer")
	if got := det.BlockRate("sanitizer"); got != 0 {
		t.Errorf("nil detector BlockRate = %v, want 0", got)
	}
	if NewAnomalyDetector(nil, slog.Default()) != nil {
		t.Error("NewAnomalyDetector(nil) should return nil")
	}
}

func TestSlidingWindowPrune(t *testing.T) {
	w := &slidingWindow{window: time.Minute}
	w.entries = []windowEntry{
		{timestamp: time.Now().Add(-2 * time.Minute), value: 10},
		{timestamp: time.Now(), value: 1},
	}
	if got := w.sum(); got != 1 {
		t.Errorf("sum after prune = %v, want 1", got)
	}
}

func TestHealthCheckerReady(t *testing.T) {
	h := NewHealthChecker(slog.Default())

	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("no checks: status = %q, want ok", status.Status)
	}

	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("workspace", func(context.Context) error { return errors.New("not writable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
	if status.Checks["workspace"].Status != "fail" {
		t.Errorf("workspace check = %q, want fail", status.Checks["workspace"].Status)
	}

	if live := h.CheckHealth(); live.Status != "ok" {
		t.Errorf("liveness = %q, want ok", live.Status)
	}
}

func TestNewObservabilityDisabled(t *testing.T) {
	obs, err := New(nil, slog.Default())
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Fatal("New(nil) should return nil")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil observability accessors should return nil")
	}
	obs.Shutdown(context.Background())
}
