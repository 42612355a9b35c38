package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	var cfg Config

	if got := cfg.Sanitizer.MaxInputChars(); got != 100000 {
		t.Errorf("MaxInputChars = %d, want 100000", got)
	}
	if got := cfg.Sanitizer.MaxNestingDepth(); got != 10 {
		t.Errorf("MaxNestingDepth = %d, want 10", got)
	}
	if got := cfg.Sandbox.Mode(); got != "auto" {
		t.Errorf("Mode = %q, want auto", got)
	}
	if got := cfg.Sandbox.Timeout(); got != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", got)
	}
	if got := cfg.Sandbox.Grace(); got != 5*time.Second {
		t.Errorf("Grace = %v, want 5s", got)
	}
	if got := cfg.Sandbox.Memory(); got != 512 {
		t.Errorf("Memory = %d, want 512", got)
	}
	if got := cfg.Sandbox.CPUSeconds(); got != 60 {
		t.Errorf("CPUSeconds = %d, want 60", got)
	}
	if got := cfg.Sandbox.Image(); got != "askari-runtime:latest" {
		t.Errorf("Image = %q, want askari-runtime:latest", got)
	}
	if got := cfg.Sandbox.CPUCores(); got != 1.0 {
		t.Errorf("CPUCores = %v, want 1.0", got)
	}
	if got := cfg.Sandbox.PIDs(); got != 64 {
		t.Errorf("PIDs = %d, want 64", got)
	}
	if cfg.Sandbox.NetworkAllowed() {
		t.Error("NetworkAllowed = true for zero config, want false")
	}
	if got := cfg.Server.Addr(); got != ":8080" {
		t.Errorf("Addr = %q, want :8080", got)
	}
	if got := cfg.Server.MaxRequestSize(); got != 1<<20 {
		t.Errorf("MaxRequestSize = %d, want %d", got, 1<<20)
	}
	if cfg.Server.AuthEnabled() {
		t.Error("AuthEnabled = true for zero config, want false")
	}
	if got := cfg.Audit.StoreDriver(); got != "sqlite" {
		t.Errorf("StoreDriver = %q, want sqlite", got)
	}
	if got := cfg.Audit.Retention(); got != 90*24*time.Hour {
		t.Errorf("Retention = %v, want 2160h", got)
	}
}

func TestNilSubConfigAccessors(t *testing.T) {
	// Accessors must tolerate nil receivers so callers can pass
	// pointers straight through without guarding.
	var (
		san *SanitizerConfig
		val *ValidatorConfig
		sb  *SandboxConfig
		jan *JanitorConfig
	)

	if got := san.MaxInputChars(); got != 100000 {
		t.Errorf("nil MaxInputChars = %d, want 100000", got)
	}
	if got := val.Workspace(); got != "" {
		t.Errorf("nil Workspace = %q, want empty", got)
	}
	if got := sb.Timeout(); got != 30*time.Second {
		t.Errorf("nil Timeout = %v, want 30s", got)
	}
	if got := jan.CronSchedule(); got != "@hourly" {
		t.Errorf("nil CronSchedule = %q, want @hourly", got)
	}
	if got := jan.SandboxMaxAge(); got != time.Hour {
		t.Errorf("nil SandboxMaxAge = %v, want 1h", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /tmp/askari-test
server:
  listen_addr: ":9090"
  auth_tokens:
    - topsecret
sanitizer:
  max_input_chars: 5000
sandbox:
  backend: process
  timeout_seconds: 10
  docker:
    image: custom:1.0
audit:
  retention_days: 7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workspace != "/tmp/askari-test" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if got := cfg.Server.Addr(); got != ":9090" {
		t.Errorf("Addr = %q, want :9090", got)
	}
	if !cfg.Server.AuthEnabled() {
		t.Error("AuthEnabled = false, want true")
	}
	if got := cfg.Sanitizer.MaxInputChars(); got != 5000 {
		t.Errorf("MaxInputChars = %d, want 5000", got)
	}
	if got := cfg.Sandbox.Mode(); got != "process" {
		t.Errorf("Mode = %q, want process", got)
	}
	if got := cfg.Sandbox.Timeout(); got != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", got)
	}
	if got := cfg.Sandbox.Image(); got != "custom:1.0" {
		t.Errorf("Image = %q, want custom:1.0", got)
	}
	if got := cfg.Audit.Retention(); got != 7*24*time.Hour {
		t.Errorf("Retention = %v, want 168h", got)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "sandbox": {"backend": "docker", "max_memory_mb": 256},
  "validator": {"workspace_root": "/srv/project"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Sandbox.Mode(); got != "docker" {
		t.Errorf("Mode = %q, want docker", got)
	}
	if got := cfg.Sandbox.Memory(); got != 256 {
		t.Errorf("Memory = %d, want 256", got)
	}
	if got := cfg.Validator.Workspace(); got != "/srv/project" {
		t.Errorf("Workspace = %q, want /srv/project", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load on missing file should fail")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "sandbox: [not a map")
	if _, err := Load(path); err == nil {
		t.Error("Load on malformed YAML should fail")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if got := cfg.Sandbox.Mode(); got != "auto" {
		t.Errorf("Mode = %q, want auto", got)
	}
}

func TestLoadOrDefaultExistingFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "sandbox:\n  backend: bwrap\n")
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if got := cfg.Sandbox.Mode(); got != "bwrap" {
		t.Errorf("Mode = %q, want bwrap", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ASKARI_WORKSPACE", "/custom/ws")
	t.Setenv("ASKARI_LISTEN_ADDR", ":7070")
	t.Setenv("ASKARI_AUTH_TOKEN", "env-token")
	t.Setenv("ASKARI_SANDBOX_BACKEND", "process")
	t.Setenv("ASKARI_SANDBOX_IMAGE", "env-image:2")

	path := writeConfig(t, "config.yaml", `
workspace: /file/ws
server:
  listen_addr: ":9090"
sandbox:
  backend: docker
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workspace != "/custom/ws" {
		t.Errorf("Workspace = %q, want env override", cfg.Workspace)
	}
	if got := cfg.Server.Addr(); got != ":7070" {
		t.Errorf("Addr = %q, want env override", got)
	}
	if len(cfg.Server.AuthTokens) != 1 || cfg.Server.AuthTokens[0] != "env-token" {
		t.Errorf("AuthTokens = %v, want [env-token]", cfg.Server.AuthTokens)
	}
	if got := cfg.Sandbox.Mode(); got != "process" {
		t.Errorf("Mode = %q, want env override", got)
	}
	if got := cfg.Sandbox.Image(); got != "env-image:2" {
		t.Errorf("Image = %q, want env override", got)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad sandbox backend",
			mutate:  func(c *Config) { c.Sandbox.Backend = "chroot" },
			wantErr: "sandbox.backend",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.Sandbox.TimeoutSeconds = -1 },
			wantErr: "timeout_seconds",
		},
		{
			name:    "negative memory",
			mutate:  func(c *Config) { c.Sandbox.MaxMemoryMB = -5 },
			wantErr: "max_memory_mb",
		},
		{
			name:    "negative max input",
			mutate:  func(c *Config) { c.Sanitizer.MaxInput = -1 },
			wantErr: "max_input_chars",
		},
		{
			name:    "bad audit driver",
			mutate:  func(c *Config) { c.Audit.Driver = "mysql" },
			wantErr: "audit.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Audit.Driver = "postgres" },
			wantErr: "audit.dsn",
		},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.Observability = &ObservabilityConfig{
					Tracing: &TracingConfig{Enabled: true},
				}
			},
			wantErr: "tracing.endpoint",
		},
		{
			name: "tracing sample rate out of range",
			mutate: func(c *Config) {
				c.Observability = &ObservabilityConfig{
					Tracing: &TracingConfig{Enabled: true, Endpoint: "localhost:4317", SampleRate: 2.0},
				}
			},
			wantErr: "sample_rate",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			tc.mutate(&cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatal("validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateZeroConfig(t *testing.T) {
	var cfg Config
	if err := cfg.validate(); err != nil {
		t.Errorf("zero config should validate, got %v", err)
	}
}

func TestResolvedWorkspaceDefault(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	var cfg Config
	want := filepath.Join(home, ".askari", "workspace")
	if got := cfg.ResolvedWorkspace(); got != want {
		t.Errorf("ResolvedWorkspace = %q, want %q", got, want)
	}
}

func TestResolvedWorkspaceTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg := Config{Workspace: "~/elsewhere"}
	want := filepath.Join(home, "elsewhere")
	if got := cfg.ResolvedWorkspace(); got != want {
		t.Errorf("ResolvedWorkspace = %q, want %q", got, want)
	}
}
