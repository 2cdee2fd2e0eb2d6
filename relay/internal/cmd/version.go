package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/relay/internal/router"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "arc-relay %s (protocol %s)\n", version, router.ProtocolVersion)
		},
	}
}
