package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
)

// ErrNoBackend is returned when no execution backend is wired at all. The
// probe chain normally prevents this: the process backend terminates every
// chain.
var ErrNoBackend = errors.New("no sandbox backend available")

// Dispatcher routes execution requests to the selected backend, falling back
// down the chain when a backend fails at the infrastructure level. Command
// outcomes — non-zero exits, timeouts, kills — are results and never trigger
// fallback.
type Dispatcher struct {
	prober    *Prober
	executors map[Backend]Executor
	recorder  *audit.Recorder
	logger    *slog.Logger
}

// NewDispatcher wires the backends behind one entry point. Nil executors are
// skipped in the chain.
func NewDispatcher(prober *Prober, docker, bwrap, process Executor, recorder *audit.Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	executors := map[Backend]Executor{}
	if docker != nil {
		executors[BackendDocker] = docker
	}
	if bwrap != nil {
		executors[BackendBwrap] = bwrap
	}
	if process != nil {
		executors[BackendProcess] = process
	}
	return &Dispatcher{
		prober:    prober,
		executors: executors,
		recorder:  recorder,
		logger:    logger.With("component", "sandbox"),
	}
}

// NewDispatcherFromConfig builds the prober and all three backends from
// configuration.
func NewDispatcherFromConfig(cfg *config.SandboxConfig, recorder *audit.Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limits := ResourceLimits{
		MaxCPUSeconds: cfg.CPUSeconds(),
		MaxMemoryMB:   cfg.Memory(),
		MaxPIDs:       cfg.PIDs(),
	}
	sandboxLogger := logger.With("component", "sandbox")
	docker := NewDockerExecutor(DockerConfig{
		Image:          cfg.Image(),
		DefaultTimeout: cfg.Timeout(),
		GracePeriod:    cfg.Grace(),
		MemoryMB:       limits.MaxMemoryMB,
		CPUCores:       cfg.CPUCores(),
		PIDsLimit:      limits.MaxPIDs,
	}, sandboxLogger)
	bwrap := NewBwrapExecutor(BwrapConfig{
		DefaultTimeout: cfg.Timeout(),
		GracePeriod:    cfg.Grace(),
		DefaultLimits:  limits,
	}, sandboxLogger)
	process := NewProcessExecutor(ProcessConfig{
		DefaultTimeout: cfg.Timeout(),
		GracePeriod:    cfg.Grace(),
		DefaultLimits:  limits,
	}, sandboxLogger)
	prober := NewProber(cfg.Mode(), logger)
	return NewDispatcher(prober, docker, bwrap, process, recorder, logger)
}

// chain is the fallback order starting at the chosen backend. The process
// backend terminates every chain; it cannot be unavailable.
func chain(chosen Backend) []Backend {
	switch chosen {
	case BackendDocker:
		return []Backend{BackendDocker, BackendBwrap, BackendProcess}
	case BackendBwrap:
		return []Backend{BackendBwrap, BackendProcess}
	default:
		return []Backend{BackendProcess}
	}
}

// Execute runs the request on the first backend in the chain that can carry
// it, and records the outcome on the audit trail.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	sel := d.prober.Selection(ctx)

	var record *Execution
	var err error
	for _, backend := range chain(sel.Chosen) {
		executor, ok := d.executors[backend]
		if !ok {
			continue
		}
		record, err = executor.Execute(ctx, req)
		if err == nil {
			break
		}
		d.logger.WarnContext(ctx, "sandbox backend failed",
			slog.String("backend", string(backend)),
			slog.String("error", err.Error()),
		)
	}
	if record == nil && err == nil {
		return nil, ErrNoBackend
	}
	d.report(ctx, record, err)
	return record, err
}

// Selection exposes the cached backend-detection result for diagnostics.
func (d *Dispatcher) Selection(ctx context.Context) *Selection {
	return d.prober.Selection(ctx)
}

// Reprobe re-runs backend detection on demand.
func (d *Dispatcher) Reprobe(ctx context.Context) *Selection {
	return d.prober.Reprobe(ctx)
}

func (d *Dispatcher) report(ctx context.Context, record *Execution, err error) {
	if record == nil {
		return
	}
	outcome := audit.OutcomeExecuted
	switch {
	case record.Status == StatusKilled:
		outcome = audit.OutcomeKilled
	case record.Status == StatusFailed || err != nil:
		outcome = audit.OutcomeFailed
	}
	if d.recorder == nil {
		return
	}
	_ = d.recorder.Record(ctx, audit.NewEvent(audit.LayerSandbox, outcome, "executor", map[string]any{
		"execution_id":      record.ID,
		"backend":           string(record.Backend),
		"status":            string(record.Status),
		"exit_code":         record.ExitCode,
		"duration_ms":       record.DurationMS,
		"killed_by_timeout": record.KilledByTimeout,
	}))
}
