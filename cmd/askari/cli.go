package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/askari/internal/config"
)

// Exit codes for the one-shot commands.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitBlocked = 2
)

var cliConfigPath string

func init() {
	for _, cmd := range []*cobra.Command{
		sanitizeCmd, validateCommandCmd, validatePathCmd,
		execCmd, statusCmd, sweepCmd, mcpCmd,
	} {
		cmd.Flags().StringVarP(&cliConfigPath, "config", "c", config.DefaultConfigPath(), "path to config file")
	}
}

// initCLI builds the shared stack for one-shot use. Logging is kept quiet so
// stdout carries only the JSON verdict.
func initCLI() (*SharedComponents, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	cfg, err := config.LoadOrDefault(goutils.Env("ASKARI_CONFIG", cliConfigPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return initShared(cfg, logger)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// readInput returns the first argument, or stdin when absent or "-".
func readInput(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
