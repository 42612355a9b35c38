// Package config handles loading and validating Askari configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Askari.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.askari/workspace. Override: ASKARI_WORKSPACE env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sanitizer     SanitizerConfig      `json:"sanitizer" yaml:"sanitizer"`
	Validator     ValidatorConfig      `json:"validator" yaml:"validator"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = retention sweeps disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: ASKARI_LISTEN_ADDR env var.
	AuthTokens          []string        `json:"auth_tokens,omitempty" yaml:"auth_tokens,omitempty"`   // Bearer tokens. Empty = auth disabled (local use only).
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"` // Expose OpenAPI docs endpoint.
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// AuthEnabled reports whether bearer token authentication is configured.
func (s *ServerConfig) AuthEnabled() bool {
	return s != nil && len(s.AuthTokens) > 0
}

// RateLimitConfig configures per-client rate limiting for the API server.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = rate limiting disabled.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SanitizerConfig configures the input perimeter.
type SanitizerConfig struct {
	MaxInput     int    `json:"max_input_chars" yaml:"max_input_chars"`         // Default: 100000.
	MaxNesting   int    `json:"max_nesting_depth" yaml:"max_nesting_depth"`     // Default: 10.
	RulePackPath string `json:"rule_pack,omitempty" yaml:"rule_pack,omitempty"` // Extra detection rules merged over the built-ins.
}

// MaxInputChars returns the input size cap with a default of 100000.
func (s *SanitizerConfig) MaxInputChars() int {
	if s != nil && s.MaxInput > 0 {
		return s.MaxInput
	}
	return 100000
}

// MaxNestingDepth returns the bracket nesting cap with a default of 10.
func (s *SanitizerConfig) MaxNestingDepth() int {
	if s != nil && s.MaxNesting > 0 {
		return s.MaxNesting
	}
	return 10
}

// RulePack returns the path of the extra rule pack, empty when none.
func (s *SanitizerConfig) RulePack() string {
	if s != nil {
		return s.RulePackPath
	}
	return ""
}

// ValidatorConfig configures the command and path validator.
type ValidatorConfig struct {
	WorkspaceRoot  string `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty"` // File operation boundary. Default: process working directory.
	PolicyPackPath string `json:"policy_pack,omitempty" yaml:"policy_pack,omitempty"`       // Extra denylist entries merged over the built-ins.
}

// Workspace returns the configured file boundary, empty when unset.
func (v *ValidatorConfig) Workspace() string {
	if v != nil {
		return v.WorkspaceRoot
	}
	return ""
}

// PolicyPack returns the path of the extra policy pack, empty when none.
func (v *ValidatorConfig) PolicyPack() string {
	if v != nil {
		return v.PolicyPackPath
	}
	return ""
}

// SandboxConfig configures the execution backends.
type SandboxConfig struct {
	Backend        string              `json:"backend" yaml:"backend"`                 // "auto" (default), "docker", "bwrap", or "process". Override: ASKARI_SANDBOX_BACKEND env var.
	TimeoutSeconds int                 `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
	GraceSeconds   int                 `json:"grace_seconds" yaml:"grace_seconds"`     // SIGTERM to SIGKILL window. Default: 5.
	MaxMemoryMB    int                 `json:"max_memory_mb" yaml:"max_memory_mb"`     // Default: 512.
	MaxCPUSeconds  int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Default: 60.
	AllowNetwork   bool                `json:"allow_network" yaml:"allow_network"`     // Master switch. Individual requests still opt in per invocation.
	Docker         DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Container image. Default: "askari-runtime:latest". Override: ASKARI_SANDBOX_IMAGE env var.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag. Default: 1.0.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. Default: 64.
}

// Mode returns the backend selection mode with a default of "auto".
func (s *SandboxConfig) Mode() string {
	if s != nil && s.Backend != "" {
		return s.Backend
	}
	return "auto"
}

// Timeout returns the execution timeout with a default of 30s.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Grace returns the SIGTERM to SIGKILL window with a default of 5s.
func (s *SandboxConfig) Grace() time.Duration {
	if s != nil && s.GraceSeconds > 0 {
		return time.Duration(s.GraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// Memory returns the memory cap in MB with a default of 512.
func (s *SandboxConfig) Memory() int {
	if s != nil && s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 512
}

// CPUSeconds returns the CPU time cap with a default of 60.
func (s *SandboxConfig) CPUSeconds() int {
	if s != nil && s.MaxCPUSeconds > 0 {
		return s.MaxCPUSeconds
	}
	return 60
}

// Image returns the container image with a default of "askari-runtime:latest".
func (s *SandboxConfig) Image() string {
	if s != nil && s.Docker.Image != "" {
		return s.Docker.Image
	}
	return "askari-runtime:latest"
}

// CPUCores returns the docker CPU share with a default of 1.0.
func (s *SandboxConfig) CPUCores() float64 {
	if s != nil && s.Docker.CPUCores > 0 {
		return s.Docker.CPUCores
	}
	return 1.0
}

// PIDs returns the process count cap with a default of 64.
func (s *SandboxConfig) PIDs() int {
	if s != nil && s.Docker.PIDsLimit > 0 {
		return s.Docker.PIDsLimit
	}
	return 64
}

// NetworkAllowed reports whether per-request network opt-in is permitted.
func (s *SandboxConfig) NetworkAllowed() bool {
	return s != nil && s.AllowNetwork
}

// AuditConfig configures the audit trail sinks.
type AuditConfig struct {
	Driver        string `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`         // SQLite file path. Default: derived from workspace.
	DSN           string `json:"dsn,omitempty" yaml:"dsn,omitempty"`           // PostgreSQL DSN. Override: ASKARI_DB_DSN env var.
	MaxOpenConns  int    `json:"max_open_conns" yaml:"max_open_conns"`         // PostgreSQL pool size. Default: 10.
	MaxIdleConns  int    `json:"max_idle_conns" yaml:"max_idle_conns"`         // Default: 2.
	LogPath       string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL audit log path. Default: derived from workspace.
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`         // Default: 90. Enforced by the janitor.
}

// StoreDriver returns the database driver with a default of "sqlite".
func (a *AuditConfig) StoreDriver() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// Retention returns the event retention window with a default of 90 days.
func (a *AuditConfig) Retention() time.Duration {
	if a != nil && a.RetentionDays > 0 {
		return time.Duration(a.RetentionDays) * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// JanitorConfig configures the background cleanup scheduler.
// When nil, neither sandbox sweeps nor audit retention run.
type JanitorConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	Schedule             string `json:"schedule" yaml:"schedule"`                               // Cron expression. Default: "@hourly".
	SandboxMaxAgeMinutes int    `json:"sandbox_max_age_minutes" yaml:"sandbox_max_age_minutes"` // Default: 60.
}

// CronSchedule returns the sweep schedule with a default of "@hourly".
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@hourly"
}

// SandboxMaxAge returns how old a sandbox dir may grow before removal.
// Default: 1 hour.
func (j *JanitorConfig) SandboxMaxAge() time.Duration {
	if j != nil && j.SandboxMaxAgeMinutes > 0 {
		return time.Duration(j.SandboxMaxAgeMinutes) * time.Minute
	}
	return time.Hour
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "askari"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures sliding-window anomaly detection over pipeline
// outcomes. When nil, no anomaly tracking is performed.
type AnomalyConfig struct {
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
	BlockRateThreshold float64 `json:"block_rate_threshold" yaml:"block_rate_threshold"` // 0 = disabled. Warn when blocked/total exceeds this.
}

// Window returns the sliding window duration with a default of 5 minutes.
func (a *AnomalyConfig) Window() time.Duration {
	if a != nil && a.WindowSeconds > 0 {
		return time.Duration(a.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

// DefaultConfigPath returns the default config file path (~/.askari/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/askari.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".askari", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Tokens and connection strings can be set in the config file
// or overridden by environment variables. Environment variables take
// precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config file when it exists and falls back to
// built-in defaults when it does not. A file that exists but cannot be read
// or parsed is still an error. An empty path selects DefaultConfigPath.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := &Config{}
		cfg.applyEnvOverrides()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

// applyEnvOverrides lets environment variables take precedence over file values.
func (c *Config) applyEnvOverrides() {
	if envWS := os.Getenv("ASKARI_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envAddr := os.Getenv("ASKARI_LISTEN_ADDR"); envAddr != "" {
		c.Server.ListenAddr = envAddr
	}
	if envToken := os.Getenv("ASKARI_AUTH_TOKEN"); envToken != "" {
		c.Server.AuthTokens = append(c.Server.AuthTokens, envToken)
	}
	if envDSN := os.Getenv("ASKARI_DB_DSN"); envDSN != "" {
		c.Audit.DSN = envDSN
	}
	if envBackend := os.Getenv("ASKARI_SANDBOX_BACKEND"); envBackend != "" {
		c.Sandbox.Backend = envBackend
	}
	if envImage := os.Getenv("ASKARI_SANDBOX_IMAGE"); envImage != "" {
		c.Sandbox.Docker.Image = envImage
	}
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".askari", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Sanitizer.MaxInput < 0 {
		return fmt.Errorf("sanitizer.max_input_chars must not be negative")
	}
	if c.Sanitizer.MaxNesting < 0 {
		return fmt.Errorf("sanitizer.max_nesting_depth must not be negative")
	}
	switch c.Sandbox.Backend {
	case "", "auto", "docker", "bwrap", "process":
		// valid
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use auto, docker, bwrap, or process)", c.Sandbox.Backend)
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.GraceSeconds < 0 {
		return fmt.Errorf("sandbox.grace_seconds must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	switch c.Audit.Driver {
	case "", "sqlite", "postgres":
		// valid
	default:
		return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
	}
	if c.Audit.Driver == "postgres" && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required for the postgres driver (set ASKARI_DB_DSN env var)")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		a := c.Observability.Anomaly
		if a.BlockRateThreshold < 0 || a.BlockRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.block_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}
