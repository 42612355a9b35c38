package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/gateway"
	"github.com/jkaninda/askari/internal/janitor"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enforcement API server",
	Long: `Start the HTTP API. Every request passes bearer authentication and
per-client rate limiting before reaching the pipeline. The janitor runs
retention sweeps in the background when enabled.`,
	RunE: runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVarP(&serveConfigPath, "config", "c", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the listen port")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(goutils.Env("ASKARI_CONFIG", serveConfigPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Server.ListenAddr = fmt.Sprintf(":%d", servePort)
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(&cfg.Server, sc.Pipeline, sc.Validator, sc.Dispatcher, logger).
		WithAuditStore(sc.Store).
		WithAuditStream(sc.Broadcaster)
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gw.WithMetrics(m, cfg.Observability.Metrics.MetricsPath())
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gw.WithTracer(ts.Tracer())
	}
	if sc.Obs != nil && sc.Obs.Health != nil {
		gw.WithHealth(sc.Obs.Health)
	}

	var jan *janitor.Janitor
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan = janitor.New(cfg.Janitor, sc.Workspace, logger).
			WithAuditRetention(sc.Store, cfg.Audit.Retention()).
			WithMetrics(sc.Obs.MetricsOrNil())
		if limiter := gw.Limiter(); limiter != nil {
			jan.WithRateLimiter(limiter)
		}
		if err := jan.Start(ctx); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
	}

	errs := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("gateway failed", slog.String("error", err.Error()))
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", slog.String("error", err.Error()))
	}
	if jan != nil {
		jan.Stop()
	}

	return runErr
}
