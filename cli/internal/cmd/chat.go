package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/tui"
	"github.com/agentrelay/arc/pkg/cli"
)

func newChatCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cli.IsTerminal(cmd.InOrStdin()) {
				return errors.New("chat needs an interactive terminal, use send and listen instead")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			c, err := o.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			return tui.RunChat(ctx, c)
		},
	}
}
