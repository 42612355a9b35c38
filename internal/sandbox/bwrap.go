package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// insideWorkdir is the workspace mount point inside the bubblewrap root.
const insideWorkdir = "/workspace"

// BwrapConfig configures the bubblewrap backend.
type BwrapConfig struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	DefaultLimits  ResourceLimits
}

// BwrapExecutor runs commands inside bubblewrap user-namespace sandboxes.
// Lighter than a container, stronger than a plain subprocess.
//
// Guarantees:
//   - Fresh mount namespace built from scratch; host root never visible
//   - Read-only toolchain binds; only the workspace mount is writable
//   - All namespaces unshared; network shared only on explicit opt-in
//   - --die-with-parent ties the sandbox lifetime to this process
//   - --clearenv plus an explicit allowlisted environment
//   - CPU and memory bounds via ulimit inside the sandbox
//   - Two-phase SIGTERM → SIGKILL escalation on the process group
type BwrapExecutor struct {
	defaultTimeout time.Duration
	gracePeriod    time.Duration
	defaultLimits  ResourceLimits
	logger         *slog.Logger
}

// NewBwrapExecutor creates the bubblewrap backend.
func NewBwrapExecutor(cfg BwrapConfig, logger *slog.Logger) *BwrapExecutor {
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
	return &BwrapExecutor{
		defaultTimeout: cfg.DefaultTimeout,
		gracePeriod:    cfg.GracePeriod,
		defaultLimits:  cfg.DefaultLimits,
		logger:         logger,
	}
}

// Backend reports this executor's backend identifier.
func (b *BwrapExecutor) Backend() Backend { return BackendBwrap }

// Execute runs a command inside a bubblewrap sandbox.
func (b *BwrapExecutor) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	record := newExecution(req.Command, BackendBwrap)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	limits := resolveLimits(b.defaultLimits, req.Limits)

	// Workspace to bind read-write; an isolated temp dir when none given.
	workspace := req.Workspace
	var tmpDir string
	if workspace == "" {
		var err error
		tmpDir, err = os.MkdirTemp("", "askari-sandbox-*")
		if err != nil {
			record.finalize(record.StartedAt, -1, false, err)
			return record, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		workspace = tmpDir
	}
	if tmpDir != "" {
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				b.logger.Warn("failed to remove sandbox temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
	}

	args := b.buildBwrapArgs(workspace, req)
	args = append(args, "/bin/sh")
	args = append(args, shellArgs(limits, req.Command)...)

	cmd := exec.Command("bwrap", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = []string{} // everything the sandbox sees goes through --setenv

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	b.logger.InfoContext(ctx, "sandbox executing",
		slog.String("execution_id", record.ID),
		slog.String("backend", string(BackendBwrap)),
		slog.String("workspace", workspace),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
		slog.Bool("network", req.AllowNetwork),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		record.finalize(start, -1, false, err)
		return record, fmt.Errorf("starting bwrap: %w", err)
	}
	record.Status = StatusRunning

	outcome := waitWithEscalation(ctx, cmd, timeout, b.gracePeriod)

	record.Stdout = capturedOutput(&stdoutBuf, stdout)
	record.Stderr = capturedOutput(&stderrBuf, stderr)
	record.KilledByTimeout = outcome.timedOut
	record.finalize(start, outcome.exitCode, outcome.killed, outcome.runErr)

	if outcome.runErr != nil {
		return record, fmt.Errorf("bwrap execution: %w", outcome.runErr)
	}
	b.logger.InfoContext(ctx, "sandbox execution finished",
		slog.String("execution_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.Int("exit_code", record.ExitCode),
		slog.Int64("duration_ms", record.DurationMS),
	)
	return record, nil
}

// buildBwrapArgs constructs the bubblewrap argument list. The command itself
// is NOT included — the caller appends it after the "--" separator.
func (b *BwrapExecutor) buildBwrapArgs(workspace string, req Request) []string {
	args := []string{
		// --- Namespace isolation ---
		"--unshare-all",
		"--die-with-parent",
		"--new-session",

		// --- Read-only toolchain ---
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/sbin", "/sbin",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/etc/alternatives", "/etc/alternatives",

		// --- Pseudo filesystems and scratch space ---
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", "/home/sandbox",

		// --- The only writable host mount ---
		"--bind", workspace, insideWorkdir,
		"--chdir", insideWorkdir,

		// --- Environment: cleared, then explicit ---
		"--clearenv",
	}

	// Network stays unshared unless the invocation opts in; with network on,
	// resolver and CA bundles get read-only binds.
	if req.AllowNetwork {
		args = append(args,
			"--share-net",
			"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
			"--ro-bind-try", "/etc/ssl", "/etc/ssl",
			"--ro-bind-try", "/etc/ca-certificates", "/etc/ca-certificates",
		)
	}

	env := map[string]string{
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   "/home/sandbox",
		"TMPDIR": "/tmp",
		"LANG":   "en_US.UTF-8",
		"TERM":   "dumb",
	}
	for k, v := range req.Env {
		env[k] = v
	}
	// Sorted keys keep the argument list deterministic.
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, env[k])
	}

	args = append(args, "--")
	return args
}
