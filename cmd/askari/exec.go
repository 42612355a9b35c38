package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/askari/internal/pipeline"
)

var (
	execTimeout float64
	execNetwork bool
)

var execCmd = &cobra.Command{
	Use:   "exec [command]",
	Short: "Run a command through the full enforcement chain",
	Long: `Sanitize the command, check it against the deny policy, and run it in
an isolated sandbox with a filtered environment. The full result, including
every stage's findings, is printed as JSON.

Exit codes:
  0  command executed and exited zero
  1  failure
  2  blocked by sanitizer or validator
  n  the command's own exit code`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().Float64Var(&execTimeout, "timeout", 0, "execution timeout in seconds (0 = configured default)")
	execCmd.Flags().BoolVar(&execNetwork, "network", false, "request network access (honored only when allowed by config)")
}

func runExec(cmd *cobra.Command, args []string) error {
	sc, err := initCLI()
	if err != nil {
		return err
	}

	params := map[string]any{"command": args[0]}
	if execTimeout > 0 {
		params["timeout_seconds"] = execTimeout
	}
	if execNetwork {
		params["network"] = true
	}

	result, err := sc.Pipeline.ExecuteTool(cmd.Context(), pipeline.ToolCall{
		Name:   "execute_command",
		Source: "cli",
		Params: params,
	})
	sc.Cleanup()
	if err != nil {
		return err
	}

	if err := printJSON(result); err != nil {
		return err
	}
	switch {
	case result.Blocked:
		os.Exit(ExitBlocked)
	case result.Error != "":
		os.Exit(ExitFailure)
	case result.Execution != nil && result.Execution.ExitCode != 0:
		os.Exit(result.Execution.ExitCode)
	}
	return nil
}
