package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/tui"
)

func newSubscribeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <agent-id> [agent-id...]",
		Short: "Subscribe to agents' broadcasts",
		Long: "Subscribe to agents' broadcasts. Subscriptions belong to the session and end when it " +
			"disconnects; use listen --subscribe to keep them while receiving.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			ack, err := c.Subscribe(ctx, args)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tui.Success.Render("✓ Subscribed"))
			printAgents(out, "Subscribed to:", ack.Agents)
			return nil
		},
	}
}

func newUnsubscribeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <agent-id> [agent-id...]",
		Short: "Remove subscriptions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			ack, err := c.Unsubscribe(ctx, args)
			if err != nil {
				return fmt.Errorf("unsubscribe: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tui.Success.Render("✓ Unsubscribed"))
			printAgents(out, "Unsubscribed from:", ack.Agents)
			return nil
		},
	}
}

func newSubscriptionsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List the current session's subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			agents, err := c.ListSubscriptions(ctx)
			if err != nil {
				return fmt.Errorf("list subscriptions: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, tui.Dimmed.Render("No subscriptions"))
				return nil
			}
			printAgents(out, "Subscribed to:", agents)
			return nil
		},
	}
}

func printAgents(w io.Writer, title string, agents []string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, tui.Title.Render(title))
	for _, id := range agents {
		fmt.Fprintf(w, "  %s %s\n", tui.Label.Render("•"), id)
	}
}
