package main

import (
	"github.com/spf13/cobra"

	"github.com/jkaninda/askari/internal/sandbox"
)

// StatusReport summarizes the running configuration for operators. Secret
// values never appear here, only the protected key names.
type StatusReport struct {
	Version       string             `json:"version"`
	Workspace     string             `json:"workspace"`
	AuditDriver   string             `json:"audit_driver"`
	ProtectedKeys []string           `json:"protected_keys"`
	Sandbox       *sandbox.Selection `json:"sandbox"`
}

var statusProbe bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resolved configuration and sandbox backends",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "re-run sandbox backend detection")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	sc, err := initCLI()
	if err != nil {
		return err
	}

	selection := sc.Dispatcher.Selection(cmd.Context())
	if statusProbe {
		selection = sc.Dispatcher.Reprobe(cmd.Context())
	}
	report := &StatusReport{
		Version:       version,
		Workspace:     sc.Workspace.Root,
		AuditDriver:   sc.Store.Driver(),
		ProtectedKeys: sc.Secrets.ProtectedKeyNames(),
		Sandbox:       selection,
	}
	sc.Cleanup()

	return printJSON(report)
}
