package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/askari/internal/workspace"
)

func newTestJanitor(t *testing.T) (*Janitor, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	cfg := &config.JanitorConfig{Enabled: true, SandboxMaxAgeMinutes: 30}
	return New(cfg, ws, slog.Default()), ws
}

func TestSweepRemovesStaleSandboxDirs(t *testing.T) {
	j, ws := newTestJanitor(t)

	stale := ws.ExecDir("stale-run")
	fresh := ws.ExecDir("fresh-run")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("aging sandbox dir: %v", err)
	}

	j.Sweep(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale sandbox dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh sandbox dir removed: %v", err)
	}
}

func TestSweepPrunesAuditEvents(t *testing.T) {
	j, ws := newTestJanitor(t)

	store, err := audit.OpenStore(audit.StoreConfig{
		Driver: audit.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "audit.db"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	j.WithAuditRetention(store, 24*time.Hour)
	_ = ws

	ctx := context.Background()
	expired := audit.NewEvent(audit.LayerSanitizer, audit.OutcomePass, "test", nil)
	expired.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	if err := store.Record(ctx, expired); err != nil {
		t.Fatalf("recording expired event: %v", err)
	}
	current := audit.NewEvent(audit.LayerValidator, audit.OutcomeBlocked, "test", nil)
	if err := store.Record(ctx, current); err != nil {
		t.Fatalf("recording current event: %v", err)
	}

	j.Sweep(ctx)

	events, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after sweep, want 1", len(events))
	}
	if events[0].Layer != audit.LayerValidator {
		t.Errorf("surviving event layer = %q, want %q", events[0].Layer, audit.LayerValidator)
	}
}

func TestSweepEvictsIdleLimiterBuckets(t *testing.T) {
	j, _ := newTestJanitor(t)
	m := observability.NewMetricsCollector()
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60})
	j.WithRateLimiter(limiter).WithMetrics(m)

	_ = limiter.Allow("client-a")

	j.Sweep(context.Background())

	// The bucket is fresh, so nothing is evicted yet.
	if got := limiter.Tracked(); got != 1 {
		t.Errorf("Tracked() = %d after sweeping fresh bucket, want 1", got)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	j := New(&config.JanitorConfig{Schedule: "not a cron expression"}, ws, slog.Default())
	if err := j.Start(context.Background()); err == nil {
		j.Stop()
		t.Fatal("Start accepted an invalid schedule")
	}
}

func TestStartAndStop(t *testing.T) {
	j, _ := newTestJanitor(t)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}
