package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "askari",
	Short: "Security enforcement pipeline for autonomous agents",
	Long: `Askari stands between an autonomous agent and the host it runs on.
Untrusted text is screened for injection and encoding threats, commands and
paths are checked against a deny policy, and everything that survives runs
in an isolated sandbox with a filtered environment. Every decision lands on
the audit trail.

Run without a subcommand to start the HTTP API server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sanitizeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
