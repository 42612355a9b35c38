package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SandboxDir", ws.SandboxDir, "sandbox"},
		{"DataDir", ws.DataDir, "data"},
		{"LogsDir", ws.LogsDir, "logs"},
		{"RulesDir", ws.RulesDir, "rules"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := ws.DatabasePath(), filepath.Join(ws.Root, "data", "askari.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if got, want := ws.AuditLogPath(), filepath.Join(ws.Root, "logs", "audit.jsonl"); got != want {
		t.Errorf("AuditLogPath() = %q, want %q", got, want)
	}
}

func TestExecDir(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	execDir := ws.ExecDir("run-1")
	expected := filepath.Join(ws.Root, "sandbox", "run-1")
	if execDir != expected {
		t.Errorf("ExecDir = %q, want %q", execDir, expected)
	}
	if _, err := os.Stat(execDir); err != nil {
		t.Errorf("exec dir not created: %v", err)
	}
}

func TestExecDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.ExecDir("run-1")
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0700 {
		t.Errorf("exec dir permissions = %o, want 0700", perm)
	}
}

func TestExecDirSanitizesID(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.ExecDir("../escape")
	if strings.Contains(dir, "..") {
		t.Errorf("ExecDir contains traversal sequence: %q", dir)
	}
	if !strings.HasPrefix(dir, ws.SandboxDir()) {
		t.Errorf("ExecDir %q escaped sandbox dir %q", dir, ws.SandboxDir())
	}
}

func TestCleanSandbox(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	// Create some sandbox entries.
	sbDir := ws.SandboxDir()
	os.MkdirAll(filepath.Join(sbDir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "exec-1", "output.txt"), []byte("hello"), 0644)

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandbox dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	// Don't create sandbox dir — CleanSandbox should be a no-op.
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))
	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestCleanStale(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	oldDir := ws.ExecDir("old-run")
	newDir := ws.ExecDir("new-run")

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("setting mtime: %v", err)
	}

	removed, err := ws.CleanStale(time.Hour)
	if err != nil {
		t.Fatalf("CleanStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("stale entry still present after sweep")
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Errorf("fresh entry removed: %v", err)
	}
}

func TestCleanStaleMissingDir(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))

	removed, err := ws.CleanStale(time.Hour)
	if err != nil {
		t.Fatalf("CleanStale on missing dir: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"sandbox", "data", "logs", "rules"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
