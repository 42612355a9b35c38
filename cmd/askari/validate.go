package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a command or path against policy without executing",
}

var validateCommandCmd = &cobra.Command{
	Use:   "command [command line]",
	Short: "Check a command line against the deny policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateCommand,
}

var validatePathOp string

var validatePathCmd = &cobra.Command{
	Use:   "path [path]",
	Short: "Check a file path for traversal and workspace escape",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidatePath,
}

func init() {
	validatePathCmd.Flags().StringVar(&validatePathOp, "op", "read", "operation: read, write, or delete")
	validateCmd.AddCommand(validateCommandCmd)
	validateCmd.AddCommand(validatePathCmd)
}

func runValidateCommand(cmd *cobra.Command, args []string) error {
	sc, err := initCLI()
	if err != nil {
		return err
	}
	res := sc.Validator.ValidateCommand(cmd.Context(), args[0])
	sc.Cleanup()

	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Valid {
		os.Exit(ExitBlocked)
	}
	return nil
}

func runValidatePath(cmd *cobra.Command, args []string) error {
	switch validatePathOp {
	case "read", "write", "delete":
	default:
		return fmt.Errorf("op must be read, write, or delete")
	}

	sc, err := initCLI()
	if err != nil {
		return err
	}
	res := sc.Validator.ValidateFilePath(cmd.Context(), args[0], validatePathOp)
	sc.Cleanup()

	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Valid {
		os.Exit(ExitBlocked)
	}
	return nil
}
