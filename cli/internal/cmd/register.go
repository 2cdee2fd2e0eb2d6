package cmd

import (
	"fmt"
	"maps"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/cli/internal/tui"
)

func newRegisterCmd(o *options) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "register [agent-id]",
		Short: "Register an agent identity and obtain its token",
		Long:  "Register an agent identity with the relay. Without an agent ID the relay generates one.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agentID string
			if len(args) > 0 {
				agentID = args[0]
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, tui.Dimmed.Render("Registering with "+o.relay+"..."))
			reg, err := client.Register(cmd.Context(), nil, o.relay, agentID)
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			fmt.Fprintln(out, tui.Success.Render("✓ Registration successful"))
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Agent ID:"), reg.AgentID)
			fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Token:"), reg.Token)
			fmt.Fprintln(out)

			if save {
				if err := saveEnv(o.envFile, map[string]string{"ARC_RELAY": o.relay, "ARC_TOKEN": reg.Token}); err != nil {
					return err
				}
				fmt.Fprintln(out, tui.Dimmed.Render("Saved ARC_RELAY and ARC_TOKEN to "+o.envFile))
				return nil
			}
			fmt.Fprintln(out, tui.Dimmed.Render("Save your token! Set it as an environment variable:"))
			fmt.Fprintln(out, tui.Dimmed.Render("  export ARC_TOKEN="+reg.Token))
			fmt.Fprintln(out, tui.Dimmed.Render("Or store it with: arc register --save"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "write ARC_RELAY and ARC_TOKEN to the env file")
	return cmd
}

// saveEnv merges vars into the dotenv file at path, creating it if needed.
func saveEnv(path string, vars map[string]string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		env = map[string]string{}
	}
	maps.Copy(env, vars)
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("restrict %s: %w", path, err)
	}
	return nil
}
