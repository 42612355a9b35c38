// Package secrets implements the two-tier credential store that decides which
// environment state is visible to sandboxed execution.
//
// Two tiers are loaded from the process environment at startup: protected
// secrets (the platform's own API keys and tokens) that must never reach
// attacker-influenced execution, and exposed secrets that are deliberately
// handed to sandboxed skill commands. Protection is keyed by NAME, not by
// origin: a key present in the protected tier never appears in a sandbox
// environment, even if the same name also occurs in the exposed tier or the
// ambient environment.
package secrets

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

const (
	// ProtectedEnvVar names the environment variable holding the protected
	// tier: a base64-encoded JSON object of platform credentials.
	ProtectedEnvVar = "SECRETS"

	// ExposedEnvVar names the environment variable holding the exposed tier:
	// a base64-encoded JSON object of credentials deliberately made available
	// to sandboxed commands.
	ExposedEnvVar = "LLM_SECRETS"
)

// ErrMalformedPayload is returned when a secrets environment variable is set
// but cannot be decoded. Callers treat this as fatal at startup.
var ErrMalformedPayload = errors.New("malformed secrets payload")

// Context holds both credential tiers. Loaded once at startup and refreshed
// only on explicit request; tool execution has no mutation path into it.
type Context struct {
	mu             sync.RWMutex
	protected      map[string]string
	exposed        map[string]string
	protectedNames map[string]struct{}
	logger         *slog.Logger
}

// Load decodes both tiers from the process environment. A missing variable
// yields an empty tier; a variable that is set but undecodable is an error.
func Load(logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{logger: logger.With(slog.String("component", "secrets"))}
	if err := c.reload(); err != nil {
		return nil, err
	}
	c.logger.Info("secrets loaded",
		slog.Int("protected", len(c.protected)),
		slog.Int("exposed", len(c.exposed)),
	)
	return c, nil
}

// Refresh re-reads both tiers from the environment. On decode failure the
// previous state is kept.
func (c *Context) Refresh() error {
	return c.reload()
}

func (c *Context) reload() error {
	protected, err := decodeTier(ProtectedEnvVar)
	if err != nil {
		return err
	}
	exposed, err := decodeTier(ExposedEnvVar)
	if err != nil {
		return err
	}

	names := make(map[string]struct{}, len(protected))
	for k := range protected {
		names[k] = struct{}{}
	}

	c.mu.Lock()
	c.protected = protected
	c.exposed = exposed
	c.protectedNames = names
	c.mu.Unlock()
	return nil
}

// decodeTier reads one environment variable and decodes base64(JSON object).
func decodeTier(envVar string) (map[string]string, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return map[string]string{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %v", ErrMalformedPayload, envVar, err)
	}
	var tier map[string]string
	if err := json.Unmarshal(decoded, &tier); err != nil {
		return nil, fmt.Errorf("%w: %s does not decode to a JSON object of strings: %v", ErrMalformedPayload, envVar, err)
	}
	if tier == nil {
		tier = map[string]string{}
	}
	return tier, nil
}

// IsProtected reports whether key belongs to the protected tier.
func (c *Context) IsProtected(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.protectedNames[key]
	return ok
}

// Protected returns the value of a protected secret for in-process use
// (LLM client auth, platform APIs). The value MUST NOT be written into any
// sandbox environment or serialized into tool output.
func (c *Context) Protected(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.protected[key]
	return v, ok
}

// ProtectedKeyNames returns the redaction blocklist, sorted, for logging and
// diagnostics. Names only — never values.
func (c *Context) ProtectedKeyNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.protectedNames))
	for k := range c.protectedNames {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ExportForSandbox derives the environment map handed to a sandboxed command:
// the exposed tier, plus the ambient environment, minus every protected key
// name. Ambient entries are "KEY=VALUE" strings as returned by os.Environ.
// The receiver is read, never written; the result is a fresh map.
func (c *Context) ExportForSandbox(ambient []string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return BuildSandboxEnv(ambient, c.exposed, c.protectedNames)
}

// BuildSandboxEnv is the pure merge-then-filter rule behind ExportForSandbox:
// exposed ∪ ambient, with every protected name removed last so protection
// wins regardless of which side a name came from.
func BuildSandboxEnv(ambient []string, exposed map[string]string, protectedNames map[string]struct{}) map[string]string {
	env := make(map[string]string, len(ambient)+len(exposed))
	for _, entry := range ambient {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	for k, v := range exposed {
		env[k] = v
	}
	for name := range protectedNames {
		delete(env, name)
	}
	return env
}
