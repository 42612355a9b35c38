// Package sandbox provides isolated execution environments for tool commands.
// All external commands run through a sandbox — never directly on the host.
//
// Three backends implement the same contract: ephemeral Docker containers,
// bubblewrap user namespaces, and a restricted subprocess as the universal
// fallback. Callers are backend-agnostic; availability is probed once at
// startup and cached.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// maxOutputBytes caps each of stdout/stderr. Overflow is truncated with
	// an explicit marker, never dropped silently.
	maxOutputBytes = 100_000

	defaultTimeout     = 30 * time.Second
	defaultGracePeriod = 5 * time.Second
	defaultCPUSeconds  = 60
	defaultMemoryMB    = 512
)

// Backend identifies a sandbox implementation.
type Backend string

const (
	BackendDocker  Backend = "docker"
	BackendBwrap   Backend = "bwrap"
	BackendProcess Backend = "process"
)

// Status tracks an execution through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Executor runs one command in an isolated environment.
type Executor interface {
	Backend() Backend
	Execute(ctx context.Context, req Request) (*Execution, error)
}

// Request defines what to run and under what constraints.
type Request struct {
	// Command is a shell command line. It runs under /bin/sh -c inside the
	// sandbox; it is never interpolated into another shell string.
	Command string

	// Workspace is the only writable directory. Empty = isolated temp dir.
	Workspace string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Env adds variables on top of the sandbox's minimal safe base set.
	// Callers pass the secrets-filtered map here; the raw ambient
	// environment is never inherited.
	Env map[string]string

	// AllowNetwork opts this invocation into network access. Off by default.
	AllowNetwork bool

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit.
	MaxMemoryMB   int // Memory ceiling in MB, no swap.
	MaxPIDs       int // Process-count ceiling, where the backend supports it.
}

// Execution is the record of one attempted run. It is created at dispatch,
// mutated only by the executor that owns it, and finalized exactly once
// before being handed back.
type Execution struct {
	ID              string    `json:"id"`
	Command         string    `json:"command"`
	Backend         Backend   `json:"backend"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	KilledByTimeout bool      `json:"killed_by_timeout"`
	DurationMS      int64     `json:"duration_ms"`
}

func newExecution(command string, backend Backend) *Execution {
	return &Execution{
		ID:        uuid.NewString(),
		Command:   command,
		Backend:   backend,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
		ExitCode:  -1,
	}
}

// finalize stamps duration and terminal status. killed wins over exit codes:
// a process we had to signal is never reported as completed.
func (e *Execution) finalize(start time.Time, exitCode int, killed bool, runErr error) {
	e.DurationMS = time.Since(start).Milliseconds()
	e.ExitCode = exitCode
	switch {
	case killed:
		e.Status = StatusKilled
	case runErr != nil:
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}
}

// baseEnv is the minimal safe environment every backend starts from. The
// parent's environment is never inherited — request env is merged on top.
func baseEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// shellArgs wraps the command with ulimit enforcement. The command string is
// passed as a positional parameter, never interpolated into the script, so
// it cannot break out of the wrapper.
func shellArgs(limits ResourceLimits, command string) []string {
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds,
	)
	return []string{"-c", script, "_", command}
}

func resolveLimits(defaults, req ResourceLimits) ResourceLimits {
	limits := defaults
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	if req.MaxPIDs > 0 {
		limits.MaxPIDs = req.MaxPIDs
	}
	return limits
}

// limitedWriter stops writing after a byte limit and remembers that it did.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = true
		return len(p), nil
	}
	if len(p) > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// capturedOutput returns the buffer contents, with the truncation marker
// appended when the cap was hit. A partial trailing rune from the byte cut
// is dropped first.
func capturedOutput(buf *bytes.Buffer, lw *limitedWriter) string {
	s := buf.String()
	if !lw.truncated {
		return s
	}
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s + fmt.Sprintf("\n[output truncated at %d bytes]", maxOutputBytes)
}
