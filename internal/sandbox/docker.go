package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "askari-runtime:latest"

	// dockerRunFailure is the docker CLI's own exit code when the container
	// could not be created or started. Anything the command itself returns
	// is a result; 125 means the backend is broken.
	dockerRunFailure = 125
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Image          string        // Container image (e.g. "askari-runtime:latest").
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	GracePeriod    time.Duration // SIGTERM → SIGKILL window on timeout.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
}

// DockerExecutor runs commands inside ephemeral Docker containers.
//
// Guarantees:
//   - Each execution gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only); only the workspace mount is writable
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled unless the invocation opts in (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - Timeout escalates docker stop (SIGTERM, grace, SIGKILL)
//   - stdout/stderr capped with a truncation marker
//   - Container always cleaned up, even on timeout/crash
type DockerExecutor struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerExecutor creates the Docker backend.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerExecutor{
		config: cfg,
		logger: logger,
	}
}

// Backend reports this executor's backend identifier.
func (s *DockerExecutor) Backend() Backend { return BackendDocker }

// Execute runs a command inside an ephemeral hardened container.
func (s *DockerExecutor) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.Command == "" {
		return nil, errors.New("empty command")
	}
	record := newExecution(req.Command, BackendDocker)

	// 1. Resolve timeout and limits.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	memoryMB := s.config.MemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}
	pids := s.config.PIDsLimit
	if req.Limits.MaxPIDs > 0 {
		pids = req.Limits.MaxPIDs
	}

	// 2. Unique container name for the stop/remove lifecycle.
	containerName, err := generateContainerName()
	if err != nil {
		record.finalize(record.StartedAt, -1, false, err)
		return record, fmt.Errorf("generating container name: %w", err)
	}

	// 3. Build docker run with the full hardening flag set.
	args := s.buildDockerArgs(containerName, memoryMB, pids, req)
	args = append(args, s.config.Image, "/bin/sh", "-c", req.Command)

	cmd := exec.Command("docker", args...)

	// 4. Capped output capture.
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.InfoContext(ctx, "sandbox executing",
		slog.String("execution_id", record.ID),
		slog.String("backend", string(BackendDocker)),
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", s.config.CPUCores),
		slog.Duration("timeout", timeout),
	)

	// 5. Start, then supervise. docker stop delivers the two-phase
	// escalation inside the container: SIGTERM, grace period, SIGKILL.
	start := time.Now()
	if err := cmd.Start(); err != nil {
		record.finalize(start, -1, false, err)
		return record, fmt.Errorf("starting docker run: %w", err)
	}
	record.Status = StatusRunning

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome waitOutcome
	select {
	case err := <-done:
		outcome.exitCode, outcome.runErr = interpretWait(err)
	case <-timer.C:
		outcome.timedOut = true
		outcome.killed = true
	case <-ctx.Done():
		outcome.killed = true
	}
	if outcome.killed {
		s.stopContainer(containerName)
		select {
		case err := <-done:
			outcome.exitCode, _ = interpretWait(err)
		case <-time.After(s.config.GracePeriod + 5*time.Second):
			// docker stop did not take; kill the client and force-remove.
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			err := <-done
			outcome.exitCode, _ = interpretWait(err)
		}
	}

	// 6. Safety net: force remove in case --rm didn't fire (OOM kill,
	// daemon restart, stop race).
	s.forceRemoveContainer(containerName)

	// 7. Finalize. Exit code 125 without a kill means docker run itself
	// failed — an infrastructure error, not a command result.
	if !outcome.killed && outcome.exitCode == dockerRunFailure {
		outcome.runErr = fmt.Errorf("docker run failed: %s", firstLine(stderrBuf.String()))
	}
	record.Stdout = capturedOutput(&stdoutBuf, stdout)
	record.Stderr = capturedOutput(&stderrBuf, stderr)
	record.KilledByTimeout = outcome.timedOut
	record.finalize(start, outcome.exitCode, outcome.killed, outcome.runErr)

	if outcome.runErr != nil {
		return record, fmt.Errorf("docker execution: %w", outcome.runErr)
	}
	s.logger.InfoContext(ctx, "sandbox execution finished",
		slog.String("execution_id", record.ID),
		slog.String("container", containerName),
		slog.String("status", string(record.Status)),
		slog.Int("exit_code", record.ExitCode),
		slog.Int64("duration_ms", record.DurationMS),
	)
	return record, nil
}

// buildDockerArgs constructs the docker run argument list with all security
// hardening flags. The image and command are NOT included — caller appends.
func (s *DockerExecutor) buildDockerArgs(name string, memoryMB, pids int, req Request) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.
		"--user=65534:65534",               // Non-root (nobody).

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + strconv.Itoa(pids),

		// --- Writable tmpfs for scratch space ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	// Network: no stack at all unless the invocation opts in.
	if req.AllowNetwork {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// The workspace is the only writable host mount.
	if req.Workspace != "" {
		args = append(args, "-v", req.Workspace+":"+insideWorkdir+":rw")
		args = append(args, "--workdir", insideWorkdir)
	} else {
		args = append(args, "--workdir", "/home/sandbox")
	}

	// Filtered environment from the request.
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	return args
}

// stopContainer asks the daemon for a graceful stop: SIGTERM, then SIGKILL
// after the grace period. Best effort.
func (s *DockerExecutor) stopContainer(name string) {
	graceSec := int(s.config.GracePeriod / time.Second)
	if graceSec < 1 {
		graceSec = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.GracePeriod+5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "stop", "--time", strconv.Itoa(graceSec), name).CombinedOutput(); err != nil {
		s.logger.Debug("docker stop failed",
			slog.String("container", name),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// forceRemoveContainer removes a container by name. Safety net for when
// --rm didn't fire due to OOM kill, daemon restart, or a stop race.
// Errors are logged but not returned.
func (s *DockerExecutor) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique name: askari-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "askari-sbx-" + hex.EncodeToString(b), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
