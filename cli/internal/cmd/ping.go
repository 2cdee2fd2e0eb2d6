package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/tui"
)

func newPingCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test the relay connection and show relay info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			defer c.Close()

			w := c.Welcome()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tui.Success.Render("✓ Connected as "+c.Identity()))
			fmt.Fprintln(out)
			fmt.Fprintln(out, tui.Title.Render("Relay Info:"))
			fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Relay:"), w.Relay)
			fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Version:"), w.Version)
			fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Capabilities:"), strings.Join(w.Capabilities, ", "))
			if len(w.Extensions) > 0 {
				fmt.Fprintf(out, "  %s %s\n", tui.Label.Render("Extensions:"), strings.Join(w.Extensions, ", "))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, tui.Dimmed.Render(fmt.Sprintf("Connection time: %dms", elapsed.Milliseconds())))
			return nil
		},
	}
}
