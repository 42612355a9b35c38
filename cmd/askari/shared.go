package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/pipeline"
	"github.com/jkaninda/askari/internal/sandbox"
	"github.com/jkaninda/askari/internal/sanitizer"
	"github.com/jkaninda/askari/internal/secrets"
	"github.com/jkaninda/askari/internal/validator"
	"github.com/jkaninda/askari/internal/workspace"
)

// SharedComponents holds the initialized subsystems that every mode of the
// binary requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Secrets   *secrets.Context

	Recorder    *audit.Recorder
	Store       *audit.Store
	Broadcaster *audit.Broadcaster

	Obs        *observability.Observability
	Sanitizer  *sanitizer.Sanitizer
	Validator  *validator.Validator
	Dispatcher *sandbox.Dispatcher
	Pipeline   *pipeline.Coordinator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the full enforcement stack. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace %s: %w", ws.Root, err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Secrets tiers from the process environment.
	sec, err := secrets.Load(logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading secrets: %w", err)
	}
	sc.Secrets = sec

	// Audit trail: JSONL log, queryable store, and live broadcast fan out
	// behind one recorder.
	logPath := cfg.Audit.LogPath
	if logPath == "" {
		logPath = ws.AuditLogPath()
	}
	auditLog, err := audit.NewLogger(logPath, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.addCleanup(func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	storePath := cfg.Audit.Path
	if storePath == "" {
		storePath = ws.DatabasePath()
	}
	store, err := audit.OpenStore(audit.StoreConfig{
		Driver:       cfg.Audit.StoreDriver(),
		Path:         storePath,
		DSN:          cfg.Audit.DSN,
		MaxOpenConns: cfg.Audit.MaxOpenConns,
		MaxIdleConns: cfg.Audit.MaxIdleConns,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing audit store", slog.String("error", err.Error()))
		}
	})

	sc.Broadcaster = audit.NewBroadcaster(logger)
	sc.Recorder = audit.NewRecorder(logger, auditLog, store, sc.Broadcaster)
	logger.Debug("audit trail initialized",
		slog.String("log", logPath),
		slog.String("store", store.Driver()),
	)

	// Sanitizer.
	san, err := sanitizer.New(&cfg.Sanitizer, nil, sc.Recorder, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sanitizer: %w", err)
	}
	sc.Sanitizer = san

	// Validator. The file boundary defaults to the workspace root so path
	// checks and sandbox runs agree on what "inside" means.
	if cfg.Validator.WorkspaceRoot == "" {
		cfg.Validator.WorkspaceRoot = ws.Root
	}
	val, err := validator.New(&cfg.Validator, nil, sc.Recorder, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing validator: %w", err)
	}
	sc.Validator = val

	// Sandbox dispatcher with backend probing.
	dispatcher := sandbox.NewDispatcherFromConfig(&cfg.Sandbox, sc.Recorder, logger)
	sc.Dispatcher = dispatcher
	logger.Debug("sandbox initialized",
		slog.String("backend", cfg.Sandbox.Mode()),
		slog.String("timeout", cfg.Sandbox.Timeout().String()),
	)

	var runner observability.SandboxRunner = dispatcher
	if obs != nil && obs.Metrics != nil {
		runner = observability.NewInstrumentedSandbox(dispatcher, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		health := cfg.Observability.Health
		if health == nil || health.IncludeDB {
			obs.Health.AddCheck("audit_store", store.Ping)
		}
		if health == nil || health.IncludeSandbox {
			obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
				sel := dispatcher.Selection(ctx)
				if sel == nil || sel.Chosen == "" {
					return fmt.Errorf("no sandbox backend available")
				}
				return nil
			})
		}
	}

	// Pipeline coordinator over the whole chain.
	pipeOpts := pipeline.Options{
		Recorder:     sc.Recorder,
		Metrics:      obs.MetricsOrNil(),
		Anomaly:      obs.AnomalyOrNil(),
		AllowNetwork: cfg.Sandbox.NetworkAllowed(),
	}
	if ts := obs.TracerOrNil(); ts != nil {
		pipeOpts.Tracer = ts.Tracer()
	}
	pipe, err := pipeline.New(san, val, sec, runner, ws, logger, pipeOpts)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing pipeline: %w", err)
	}
	sc.Pipeline = pipe

	return sc, nil
}

// initWorkspace resolves the workspace root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}
