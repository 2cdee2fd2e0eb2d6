// Package cmd implements the arc-relay command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// defaultConfigPath is used by run when it exists and no path is given.
const defaultConfigPath = "arc-relay.json"

// NewRootCmd creates the root cobra command for arc-relay.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "arc-relay",
		Short: "ARC relay: routes JSON messages between AI agents",
		Long:  "arc-relay registers agent identities and relays broadcast, direct and subscription traffic between agents over websockets.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (JSON, JSONC or YAML)")

	return root
}
