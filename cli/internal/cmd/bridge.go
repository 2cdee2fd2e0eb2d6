package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/bridge"
)

func newBridgeCmd(o *options) *cobra.Command {
	var (
		webhook string
		listen  string
		headers map[string]string
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bridge relay messages to an agent runtime webhook",
		Long: "Keep a relay session open, post every message from other agents to --webhook as " +
			"{text, metadata}, and relay messages posted to http://<listen>/send as {text, target?, type?}.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if webhook == "" {
				webhook = os.Getenv("ARC_WEBHOOK_URL")
			}
			if webhook == "" {
				return errors.New("--webhook required or set ARC_WEBHOOK_URL")
			}
			if err := o.requireToken(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b := bridge.New(bridge.Config{
				RelayURL:       o.relay,
				Token:          o.token,
				WebhookURL:     webhook,
				WebhookHeaders: headers,
				Listen:         listen,
				ReconnectDelay: delay,
			}, o.logger)
			if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&webhook, "webhook", "", "agent runtime webhook URL (env ARC_WEBHOOK_URL)")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8788", "address of the local send endpoint")
	cmd.Flags().StringToStringVar(&headers, "webhook-header", nil, "extra webhook request headers, key=value")
	cmd.Flags().DurationVar(&delay, "reconnect-delay", 5*time.Second, "delay between reconnect attempts")
	return cmd
}
