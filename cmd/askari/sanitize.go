package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/askari/internal/pipeline"
)

var sanitizeSource string

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize [text]",
	Short: "Screen untrusted text and print the verdict",
	Long: `Run a piece of untrusted text through the input perimeter and print
the sanitized text and all findings as JSON. Reads from stdin when no
argument is given.

Exit codes:
  0  input passed (possibly with non-blocking findings)
  1  failure
  2  input blocked`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSanitize,
}

func init() {
	sanitizeCmd.Flags().StringVar(&sanitizeSource, "source", "cli", "origin label for the audit trail")
}

func runSanitize(cmd *cobra.Command, args []string) error {
	input, err := readInput(args)
	if err != nil {
		return err
	}

	sc, err := initCLI()
	if err != nil {
		return err
	}
	verdict := sc.Pipeline.Run(cmd.Context(), pipeline.Request{Source: sanitizeSource, Input: input})
	sc.Cleanup()

	if err := printJSON(verdict); err != nil {
		return err
	}
	if verdict.Blocked {
		os.Exit(ExitBlocked)
	}
	return nil
}
