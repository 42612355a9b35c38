package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessExecutor(t *testing.T) *ProcessExecutor {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return NewProcessExecutor(ProcessConfig{
		DefaultTimeout: 10 * time.Second,
		GracePeriod:    300 * time.Millisecond,
	}, slog.Default())
}

func TestProcessExecutorBasic(t *testing.T) {
	p := newTestProcessExecutor(t)
	record, err := p.Execute(context.Background(), Request{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", record.Status, StatusCompleted)
	}
	if record.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", record.ExitCode)
	}
	if got := strings.TrimSpace(record.Stdout); got != "hello" {
		t.Errorf("Stdout = %q, want %q", got, "hello")
	}
	if record.ID == "" {
		t.Error("ID is empty")
	}
	if record.Backend != BackendProcess {
		t.Errorf("Backend = %q, want %q", record.Backend, BackendProcess)
	}
	if record.KilledByTimeout {
		t.Error("KilledByTimeout = true for normal completion")
	}
}

func TestProcessExecutorNonZeroExit(t *testing.T) {
	p := newTestProcessExecutor(t)
	record, err := p.Execute(context.Background(), Request{Command: "exit 42"})
	if err != nil {
		t.Fatalf("Execute() error = %v (non-zero exit must be a result, not an error)", err)
	}
	if record.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42", record.ExitCode)
	}
	if record.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", record.Status, StatusCompleted)
	}
}

func TestProcessExecutorTimeout(t *testing.T) {
	p := newTestProcessExecutor(t)
	start := time.Now()
	record, err := p.Execute(context.Background(), Request{
		Command: "sleep 30",
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute() error = %v (timeout must be a result, not an error)", err)
	}
	if !record.KilledByTimeout {
		t.Error("KilledByTimeout = false, want true")
	}
	if record.Status != StatusKilled {
		t.Errorf("Status = %q, want %q", record.Status, StatusKilled)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %s, want well under timeout+grace", elapsed)
	}
}

func TestProcessExecutorSigkillEscalation(t *testing.T) {
	p := newTestProcessExecutor(t)
	// The shell ignores SIGTERM and spins, so only the SIGKILL phase can
	// end it.
	start := time.Now()
	record, err := p.Execute(context.Background(), Request{
		Command: "trap '' TERM; while true; do :; done",
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !record.KilledByTimeout {
		t.Error("KilledByTimeout = false, want true")
	}
	if record.Status != StatusKilled {
		t.Errorf("Status = %q, want %q", record.Status, StatusKilled)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %s, SIGKILL escalation did not fire", elapsed)
	}
}

func TestProcessExecutorCallerCancellation(t *testing.T) {
	p := newTestProcessExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	record, err := p.Execute(ctx, Request{Command: "sleep 30"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Status != StatusKilled {
		t.Errorf("Status = %q, want %q", record.Status, StatusKilled)
	}
	if record.KilledByTimeout {
		t.Error("KilledByTimeout = true for caller cancellation, want false")
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %s, cancellation did not propagate", elapsed)
	}
}

func TestProcessExecutorOutputCap(t *testing.T) {
	p := newTestProcessExecutor(t)
	record, err := p.Execute(context.Background(), Request{
		Command: "i=0; while [ $i -lt 30000 ]; do echo aaaa; i=$((i+1)); done",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(record.Stdout, "[output truncated") {
		t.Error("Stdout missing truncation marker")
	}
	if len(record.Stdout) > maxOutputBytes+100 {
		t.Errorf("Stdout length = %d, want capped near %d", len(record.Stdout), maxOutputBytes)
	}
}

func TestProcessExecutorEnvIsolation(t *testing.T) {
	t.Setenv("ASKARI_TEST_AMBIENT", "leaked")
	p := newTestProcessExecutor(t)
	record, err := p.Execute(context.Background(), Request{
		Command: `echo "${ASKARI_TEST_AMBIENT}:${EXPOSED_VAR}"`,
		Env:     map[string]string{"EXPOSED_VAR": "visible"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := strings.TrimSpace(record.Stdout)
	if got != ":visible" {
		t.Errorf("Stdout = %q, want %q (ambient env must not be inherited)", got, ":visible")
	}
}

func TestProcessExecutorWorkspace(t *testing.T) {
	p := newTestProcessExecutor(t)
	ws := t.TempDir()
	record, err := p.Execute(context.Background(), Request{
		Command:   "echo data > out.txt",
		Workspace: ws,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr = %q", record.ExitCode, record.Stderr)
	}
	data, err := os.ReadFile(filepath.Join(ws, "out.txt"))
	if err != nil {
		t.Fatalf("reading workspace file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "data" {
		t.Errorf("workspace file = %q, want %q", got, "data")
	}
}

func TestLimitedWriterTruncation(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 4}
	n, err := lw.Write([]byte("hell\xc3\xa9")) // "hellé", cut mid-rune
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 6 {
		t.Errorf("Write() n = %d, want 6 (must claim full consumption)", n)
	}
	if !lw.truncated {
		t.Error("truncated = false, want true")
	}
	out := capturedOutput(&buf, lw)
	if !strings.HasPrefix(out, "hell\n[output truncated") {
		t.Errorf("capturedOutput = %q, want truncation marker after clean rune boundary", out)
	}
}

func TestLimitedWriterUnderCap(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 100}
	if _, err := lw.Write([]byte("short")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out := capturedOutput(&buf, lw); out != "short" {
		t.Errorf("capturedOutput = %q, want %q", out, "short")
	}
}

func TestProberProcessAlwaysAvailable(t *testing.T) {
	p := NewProber("auto", slog.Default())
	sel := p.Selection(context.Background())
	if !sel.Available(BackendProcess) {
		t.Fatal("process backend reported unavailable")
	}
	if sel.Chosen == "" {
		t.Error("no backend chosen")
	}
	if sel.CheckedAt.IsZero() {
		t.Error("CheckedAt is zero")
	}
	// Cached: second call returns the same probe result.
	if again := p.Selection(context.Background()); !again.CheckedAt.Equal(sel.CheckedAt) {
		t.Error("Selection() re-probed instead of using the cache")
	}
}

func TestProberForcedProcess(t *testing.T) {
	p := NewProber("process", slog.Default())
	sel := p.Selection(context.Background())
	if sel.Chosen != BackendProcess {
		t.Errorf("Chosen = %q, want %q", sel.Chosen, BackendProcess)
	}
}

func TestProberReprobe(t *testing.T) {
	p := NewProber("auto", slog.Default())
	first := p.Selection(context.Background())
	second := p.Reprobe(context.Background())
	if !second.CheckedAt.After(first.CheckedAt) {
		t.Error("Reprobe() did not refresh CheckedAt")
	}
}

func TestChainOrder(t *testing.T) {
	cases := []struct {
		chosen Backend
		want   []Backend
	}{
		{BackendDocker, []Backend{BackendDocker, BackendBwrap, BackendProcess}},
		{BackendBwrap, []Backend{BackendBwrap, BackendProcess}},
		{BackendProcess, []Backend{BackendProcess}},
	}
	for _, tc := range cases {
		got := chain(tc.chosen)
		if len(got) != len(tc.want) {
			t.Errorf("chain(%s) = %v, want %v", tc.chosen, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("chain(%s)[%d] = %s, want %s", tc.chosen, i, got[i], tc.want[i])
			}
		}
	}
}

// failingExecutor simulates a backend with an infrastructure fault.
type failingExecutor struct {
	backend Backend
	calls   int
}

func (f *failingExecutor) Backend() Backend { return f.backend }

func (f *failingExecutor) Execute(_ context.Context, req Request) (*Execution, error) {
	f.calls++
	record := newExecution(req.Command, f.backend)
	record.Status = StatusFailed
	return record, errors.New("backend down")
}

func presetProber(chosen Backend) *Prober {
	p := NewProber("auto", slog.Default())
	p.once.Do(func() {})
	p.cached = &Selection{
		Chosen: chosen,
		Backends: []Availability{
			{Backend: BackendDocker, Available: true},
			{Backend: BackendBwrap, Available: true},
			{Backend: BackendProcess, Available: true, Detail: "built-in"},
		},
		CheckedAt: time.Now().UTC(),
	}
	return p
}

func TestDispatcherFallsBackToProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	docker := &failingExecutor{backend: BackendDocker}
	bwrap := &failingExecutor{backend: BackendBwrap}
	process := NewProcessExecutor(ProcessConfig{}, slog.Default())
	d := NewDispatcher(presetProber(BackendDocker), docker, bwrap, process, nil, slog.Default())

	record, err := d.Execute(context.Background(), Request{Command: "echo fallback"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Backend != BackendProcess {
		t.Errorf("Backend = %q, want %q", record.Backend, BackendProcess)
	}
	if docker.calls != 1 || bwrap.calls != 1 {
		t.Errorf("fallback order wrong: docker calls = %d, bwrap calls = %d", docker.calls, bwrap.calls)
	}
	if got := strings.TrimSpace(record.Stdout); got != "fallback" {
		t.Errorf("Stdout = %q, want %q", got, "fallback")
	}
}

func TestDispatcherEmptyCommand(t *testing.T) {
	d := NewDispatcher(presetProber(BackendProcess), nil, nil,
		NewProcessExecutor(ProcessConfig{}, slog.Default()), nil, slog.Default())
	if _, err := d.Execute(context.Background(), Request{}); err == nil {
		t.Fatal("Execute() accepted an empty command")
	}
}
