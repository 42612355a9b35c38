// Package janitor runs the scheduled retention sweeps: stale sandbox
// directories, expired audit events, and idle rate limiter buckets.
//
// Core invariant: the janitor is the ONLY deletion path in the system.
// Request handling appends and reads; nothing else removes data.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/askari/internal/workspace"
)

// limiterMaxIdle is how long a rate limiter bucket may sit unused before it
// is dropped. Not configurable: an idle bucket is already full, so the value
// only bounds memory.
const limiterMaxIdle = time.Hour

// Janitor owns the cron schedule and the sweep tasks.
type Janitor struct {
	cfg       *config.JanitorConfig
	workspace *workspace.Workspace
	logger    *slog.Logger

	// Optional tasks. Nil disables the corresponding sweep.
	store     *audit.Store
	retention time.Duration
	limiter   *ratelimit.Limiter
	metrics   *observability.MetricsCollector

	cron *cron.Cron
}

// New creates a Janitor that sweeps stale sandbox directories.
func New(cfg *config.JanitorConfig, ws *workspace.Workspace, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cfg:       cfg,
		workspace: ws,
		logger:    logger.With(slog.String("component", "janitor")),
	}
}

// WithAuditRetention enables pruning of audit events older than retention.
func (j *Janitor) WithAuditRetention(store *audit.Store, retention time.Duration) *Janitor {
	j.store = store
	j.retention = retention
	return j
}

// WithRateLimiter enables eviction of idle rate limiter buckets.
func (j *Janitor) WithRateLimiter(l *ratelimit.Limiter) *Janitor {
	j.limiter = l
	return j
}

// WithMetrics records sweep counts and outcomes.
func (j *Janitor) WithMetrics(m *observability.MetricsCollector) *Janitor {
	j.metrics = m
	return j
}

// Start schedules the sweeps and returns after validating the cron
// expression. Sweeps run until Stop.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.CronSchedule(), func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.CronSchedule()),
		slog.String("sandbox_max_age", j.cfg.SandboxMaxAge().String()),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Sweep runs every enabled task once. Exported so the CLI can trigger an
// immediate sweep.
func (j *Janitor) Sweep(ctx context.Context) {
	j.sweepSandbox(ctx)
	if j.store != nil {
		j.sweepAudit(ctx)
	}
	if j.limiter != nil {
		j.sweepLimiter()
	}
}

func (j *Janitor) sweepSandbox(ctx context.Context) {
	removed, err := j.workspace.CleanStale(j.cfg.SandboxMaxAge())
	if err != nil {
		j.report("sandbox", removed, err)
		j.logger.ErrorContext(ctx, "sandbox sweep failed", slog.String("error", err.Error()))
		return
	}
	j.report("sandbox", removed, nil)
	if removed > 0 {
		j.logger.InfoContext(ctx, "stale sandbox directories removed", slog.Int("count", removed))
	}
}

func (j *Janitor) sweepAudit(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.retention)
	removed, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		j.report("audit", int(removed), err)
		j.logger.ErrorContext(ctx, "audit retention sweep failed", slog.String("error", err.Error()))
		return
	}
	j.report("audit", int(removed), nil)
	if removed > 0 {
		j.logger.InfoContext(ctx, "expired audit events pruned",
			slog.Int64("count", removed),
			slog.Time("cutoff", cutoff),
		)
	}
}

func (j *Janitor) sweepLimiter() {
	removed := j.limiter.Prune(limiterMaxIdle)
	j.report("ratelimit", removed, nil)
}

func (j *Janitor) report(task string, removed int, err error) {
	if j.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	j.metrics.JanitorSweepsTotal.WithLabelValues(task, status).Inc()
	if removed > 0 {
		j.metrics.JanitorRemovedTotal.WithLabelValues(task).Add(float64(removed))
	}
}
