package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessConfig configures the restricted-subprocess backend.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessExecutor runs commands as restricted OS processes. It is the
// universal fallback and is always available.
//
// Guarantees:
//   - Each execution gets its own temp home directory (removed after)
//   - The command runs in its own process group (Setpgid)
//   - Timeout and cancellation escalate SIGTERM → grace → SIGKILL on the group
//   - No environment inheritance from the parent — only the filtered set
//   - CPU and memory bounds via ulimit
//   - stdout/stderr capped with a truncation marker
type ProcessExecutor struct {
	defaultTimeout time.Duration
	gracePeriod    time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger
}

// NewProcessExecutor creates the restricted-subprocess backend.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.DefaultLimits.MaxCPUSeconds == 0 {
		cfg.DefaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessExecutor{
		defaultTimeout: cfg.DefaultTimeout,
		gracePeriod:    cfg.GracePeriod,
		defaultLimits:  cfg.DefaultLimits,
		logger:         logger,
	}
}

// Backend reports this executor's backend identifier.
func (p *ProcessExecutor) Backend() Backend { return BackendProcess }

// Execute runs a command in a restricted process environment.
func (p *ProcessExecutor) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	record := newExecution(req.Command, BackendProcess)

	// 1. Resolve timeout and limits.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = p.defaultTimeout
	}
	limits := resolveLimits(p.defaultLimits, req.Limits)

	// 2. Isolated temp home, removed after the run.
	tmpDir, err := os.MkdirTemp("", "askari-sandbox-*")
	if err != nil {
		record.finalize(record.StartedAt, -1, false, err)
		return record, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			p.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	// 3. Wrap with ulimit enforcement. The command string rides in as a
	// positional parameter, never interpolated into the wrapper script.
	cmd := exec.Command("/bin/sh", shellArgs(limits, req.Command)...)

	// 4. Working directory: the workspace, or the isolated temp dir.
	if req.Workspace != "" {
		cmd.Dir = req.Workspace
	} else {
		cmd.Dir = tmpDir
	}

	// 5. Own process group, so escalation reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// 6. Filtered environment, no host inheritance.
	cmd.Env = baseEnv(tmpDir, req.Env)

	// 7. Capped output capture.
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.logger.InfoContext(ctx, "sandbox executing",
		slog.String("execution_id", record.ID),
		slog.String("backend", string(BackendProcess)),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	// 8. Start, then supervise with two-phase escalation.
	start := time.Now()
	if err := cmd.Start(); err != nil {
		record.finalize(start, -1, false, err)
		return record, fmt.Errorf("starting sandboxed process: %w", err)
	}
	record.Status = StatusRunning

	outcome := waitWithEscalation(ctx, cmd, timeout, p.gracePeriod)

	// 9. Finalize the record.
	record.Stdout = capturedOutput(&stdoutBuf, stdout)
	record.Stderr = capturedOutput(&stderrBuf, stderr)
	record.KilledByTimeout = outcome.timedOut
	record.finalize(start, outcome.exitCode, outcome.killed, outcome.runErr)

	if outcome.runErr != nil {
		return record, fmt.Errorf("process execution: %w", outcome.runErr)
	}
	p.logger.InfoContext(ctx, "sandbox execution finished",
		slog.String("execution_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.Int("exit_code", record.ExitCode),
		slog.Int64("duration_ms", record.DurationMS),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return record, nil
}

// waitOutcome describes how a supervised process finished.
type waitOutcome struct {
	exitCode int
	killed   bool
	timedOut bool
	runErr   error
}

// waitWithEscalation waits for cmd, enforcing the wall-clock timeout with
// two-phase signal escalation: SIGTERM to the process group, then SIGKILL
// after the grace period. Caller-initiated cancellation follows the same
// escalation, so no subprocess is ever left running unsupervised.
func waitWithEscalation(ctx context.Context, cmd *exec.Cmd, timeout, grace time.Duration) waitOutcome {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out waitOutcome
	select {
	case err := <-done:
		out.exitCode, out.runErr = interpretWait(err)
		return out
	case <-timer.C:
		out.timedOut = true
	case <-ctx.Done():
	}

	out.killed = true
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-done:
		out.exitCode, _ = interpretWait(err)
	case <-time.After(grace):
		signalGroup(cmd, syscall.SIGKILL)
		err := <-done
		out.exitCode, _ = interpretWait(err)
	}
	return out
}

// signalGroup delivers sig to the whole process group. Negative PID = group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

// interpretWait maps Wait's error to an exit code. A non-zero exit is a
// result, not an error; anything else is an infrastructure failure.
func interpretWait(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
