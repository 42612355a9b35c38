package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// skipIfNoBwrap skips the test if bubblewrap is unavailable.
func skipIfNoBwrap(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bwrap"); err != nil {
		t.Skip("bwrap not available, skipping integration test")
	}
	// User namespaces may be disabled (e.g. in containers without
	// privileges); a trivial run tells us.
	if err := exec.Command("bwrap", "--unshare-all", "--ro-bind", "/usr", "/usr", "--ro-bind-try", "/bin", "/bin", "--ro-bind-try", "/lib", "/lib", "--ro-bind-try", "/lib64", "/lib64", "/bin/true").Run(); err != nil {
		t.Skipf("bwrap cannot create sandboxes here: %v", err)
	}
}

func newTestBwrapExecutor(t *testing.T) *BwrapExecutor {
	t.Helper()
	skipIfNoBwrap(t)
	return NewBwrapExecutor(BwrapConfig{
		DefaultTimeout: 10 * time.Second,
		GracePeriod:    500 * time.Millisecond,
	}, slog.Default())
}

func TestBwrapExecutor_BasicExecution(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{Command: "echo hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", record.Status, StatusCompleted)
	}
	if got := strings.TrimSpace(record.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if record.Backend != BackendBwrap {
		t.Errorf("backend = %q, want %q", record.Backend, BackendBwrap)
	}
}

func TestBwrapExecutor_NonZeroExit(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{Command: "exit 7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", record.ExitCode)
	}
}

func TestBwrapExecutor_Timeout(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	start := time.Now()
	record, err := sbx.Execute(context.Background(), Request{
		Command: "sleep 30",
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !record.KilledByTimeout {
		t.Error("KilledByTimeout = false, want true")
	}
	if record.Status != StatusKilled {
		t.Errorf("status = %q, want %q", record.Status, StatusKilled)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %s, escalation did not fire", elapsed)
	}
}

func TestBwrapExecutor_HomeIsSandboxed(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{Command: "echo $HOME"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(record.Stdout); got != "/home/sandbox" {
		t.Errorf("HOME = %q, want %q", got, "/home/sandbox")
	}
}

func TestBwrapExecutor_HostRootInvisible(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{
		Command: "ls /root 2>/dev/null || echo BLOCKED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(record.Stdout, "BLOCKED") {
		t.Errorf("host /root visible inside sandbox: %q", record.Stdout)
	}
}

func TestBwrapExecutor_NoResolverWithoutNetwork(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{
		Command: "cat /etc/resolv.conf 2>/dev/null || echo NO_RESOLV",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(record.Stdout, "NO_RESOLV") {
		t.Errorf("resolver visible without network opt-in: %q", record.Stdout)
	}
}

func TestBwrapExecutor_WorkspaceWritable(t *testing.T) {
	sbx := newTestBwrapExecutor(t)
	ws := t.TempDir()
	record, err := sbx.Execute(context.Background(), Request{
		Command:   "echo data > /workspace/out.txt",
		Workspace: ws,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr = %q", record.ExitCode, record.Stderr)
	}
	data, err := os.ReadFile(filepath.Join(ws, "out.txt"))
	if err != nil {
		t.Fatalf("reading workspace file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "data" {
		t.Errorf("workspace file = %q, want %q", got, "data")
	}
}

func TestBwrapExecutor_EnvIsolation(t *testing.T) {
	t.Setenv("ASKARI_TEST_AMBIENT", "leaked")
	sbx := newTestBwrapExecutor(t)
	record, err := sbx.Execute(context.Background(), Request{
		Command: `echo "${ASKARI_TEST_AMBIENT}:${EXPOSED_VAR}"`,
		Env:     map[string]string{"EXPOSED_VAR": "visible"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(record.Stdout); got != ":visible" {
		t.Errorf("stdout = %q, want %q (ambient env must not leak)", got, ":visible")
	}
}
