package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/cli/internal/tui"
	"github.com/agentrelay/arc/pkg/cli"
)

func newInitCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Set up relay credentials in the env file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out)
			fmt.Fprintln(out, tui.Title.Render("  ARC: Client Setup"))
			fmt.Fprintln(out)

			relay := p.Ask("Relay URL", o.relay)
			if _, err := client.HTTPURL(relay); err != nil {
				return err
			}

			token := p.AskSecret("Existing token (leave blank to register a new identity)")
			if token == "" {
				agentID := p.Ask("Agent ID (leave blank to generate)", "")
				reg, err := client.Register(cmd.Context(), nil, relay, agentID)
				if err != nil {
					return fmt.Errorf("registration failed: %w", err)
				}
				token = reg.Token
				fmt.Fprintln(out, tui.Success.Render("✓ Registered as "+reg.AgentID))
			}

			if err := saveEnv(o.envFile, map[string]string{"ARC_RELAY": relay, "ARC_TOKEN": token}); err != nil {
				return err
			}
			fmt.Fprintln(out, tui.Success.Render("✓ Credentials written to "+o.envFile))
			fmt.Fprintln(out, tui.Dimmed.Render("  Next: arc ping"))
			return nil
		},
	}
}
