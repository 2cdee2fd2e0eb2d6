package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/pkg/cli"
	"github.com/agentrelay/arc/relay/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(&cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./arc-relay.json); .yaml writes YAML")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from ARC_* environment variables")
	return cmd
}
