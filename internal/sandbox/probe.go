package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

// Availability reports whether one backend can run on this host.
type Availability struct {
	Backend   Backend `json:"backend"`
	Available bool    `json:"available"`
	Detail    string  `json:"detail"`
}

// Selection is the cached outcome of backend detection: which backend runs
// executions, plus the full availability report for diagnostics.
type Selection struct {
	Chosen    Backend        `json:"chosen"`
	Backends  []Availability `json:"backends"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Available reports the probe result for one backend.
func (s *Selection) Available(backend Backend) bool {
	for _, a := range s.Backends {
		if a.Backend == backend {
			return a.Available
		}
	}
	return false
}

// Prober detects usable backends. Detection runs once and is cached; the
// cached Selection is safe to share across goroutines. Reprobe refreshes it
// on demand.
type Prober struct {
	mode   string
	logger *slog.Logger

	mu     sync.Mutex
	once   sync.Once
	cached *Selection
}

// NewProber builds a Prober. mode is "auto" or a forced backend name; a
// forced backend that probes unavailable falls through the normal chain.
func NewProber(mode string, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = "auto"
	}
	return &Prober{mode: mode, logger: logger.With("component", "sandbox")}
}

// Selection returns the cached detection result, probing on first use.
func (p *Prober) Selection(ctx context.Context) *Selection {
	p.once.Do(func() {
		sel := p.probe(ctx)
		p.mu.Lock()
		p.cached = sel
		p.mu.Unlock()
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// Reprobe re-runs detection and replaces the cache.
func (p *Prober) Reprobe(ctx context.Context) *Selection {
	sel := p.probe(ctx)
	p.mu.Lock()
	p.cached = sel
	p.mu.Unlock()
	return sel
}

func (p *Prober) probe(ctx context.Context) *Selection {
	backends := []Availability{
		probeDocker(ctx),
		probeBwrap(ctx),
		{Backend: BackendProcess, Available: true, Detail: "built-in"},
	}
	sel := &Selection{
		Backends:  backends,
		CheckedAt: time.Now().UTC(),
	}

	// A forced mode wins when its backend is usable; otherwise first
	// available in chain order.
	if p.mode != "auto" {
		forced := Backend(p.mode)
		if sel.Available(forced) {
			sel.Chosen = forced
			p.logger.Info("sandbox backend selected", "backend", forced, "forced", true)
			return sel
		}
		p.logger.Warn("forced sandbox backend unavailable, falling back", "backend", forced)
	}
	for _, a := range backends {
		if a.Available {
			sel.Chosen = a.Backend
			break
		}
	}
	p.logger.Info("sandbox backend selected",
		"backend", sel.Chosen,
		"docker", sel.Available(BackendDocker),
		"bwrap", sel.Available(BackendBwrap),
	)
	return sel
}

func probeDocker(ctx context.Context) Availability {
	a := Availability{Backend: BackendDocker}
	if _, err := exec.LookPath("docker"); err != nil {
		a.Detail = "docker binary not found"
		return a
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Output()
	if err != nil {
		a.Detail = "docker daemon unreachable"
		return a
	}
	a.Available = true
	a.Detail = "server " + strings.TrimSpace(string(out))
	return a
}

func probeBwrap(ctx context.Context) Availability {
	a := Availability{Backend: BackendBwrap}
	if _, err := exec.LookPath("bwrap"); err != nil {
		a.Detail = "bwrap binary not found"
		return a
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "bwrap", "--version").Output()
	if err != nil {
		a.Detail = "bwrap not executable"
		return a
	}
	a.Available = true
	a.Detail = strings.TrimSpace(string(out))
	return a
}
