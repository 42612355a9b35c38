package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/janitor"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention sweeps once and exit",
	Long: `Remove stale sandbox directories and prune audit events past the
retention window. The same sweeps the janitor runs on its schedule.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("ASKARI_CONFIG", cliConfigPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	jcfg := cfg.Janitor
	if jcfg == nil {
		jcfg = &config.JanitorConfig{}
	}
	janitor.New(jcfg, sc.Workspace, logger).
		WithAuditRetention(sc.Store, cfg.Audit.Retention()).
		WithMetrics(sc.Obs.MetricsOrNil()).
		Sweep(cmd.Context())

	return nil
}
