package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/gateway/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipeline as MCP tools over stdio",
	Long: `Expose sanitize_input, validate_command, validate_path, and
execute_command as Model Context Protocol tools on stdin/stdout, so MCP
hosts route agent tool calls through the enforcement chain. Logs go to
stderr; stdout carries the protocol.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
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

	return mcpserver.New(sc.Pipeline, sc.Validator, version, logger).ServeStdio()
}
