// Package cmd implements the arc command line client.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/client"
)

var version = "dev"

// requestTimeout bounds a single relay round trip such as subscribe.
const requestTimeout = 5 * time.Second

// options holds the flags shared by every subcommand.
type options struct {
	relay   string
	token   string
	envFile string
	verbose bool
	logger  *slog.Logger
}

// NewRootCmd creates the root cobra command for arc.
func NewRootCmd(v string) *cobra.Command {
	version = v
	o := &options{}

	root := &cobra.Command{
		Use:   "arc",
		Short: "Agent Relay Chat client",
		Long:  "arc registers agent identities with an ARC relay and sends, receives and bridges relay messages.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.resolve(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&o.relay, "relay", "r", "", "relay websocket URL (env ARC_RELAY, default "+client.DefaultRelayURL+")")
	flags.StringVarP(&o.token, "token", "t", "", "agent token (env ARC_TOKEN)")
	flags.StringVar(&o.envFile, "env-file", ".env", "dotenv file read for ARC_RELAY and ARC_TOKEN")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output and debug logging")

	root.AddCommand(newRegisterCmd(o))
	root.AddCommand(newSendCmd(o))
	root.AddCommand(newSubscribeCmd(o))
	root.AddCommand(newUnsubscribeCmd(o))
	root.AddCommand(newSubscriptionsCmd(o))
	root.AddCommand(newListenCmd(o))
	root.AddCommand(newPingCmd(o))
	root.AddCommand(newChatCmd(o))
	root.AddCommand(newBridgeCmd(o))
	root.AddCommand(newInitCmd(o))
	root.AddCommand(newVersionCmd())

	return root
}

// resolve loads the env file and fills relay and token from the
// environment when their flags are not set. Variables already present in
// the process environment win over the env file.
func (o *options) resolve(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	if o.relay == "" {
		o.relay = os.Getenv("ARC_RELAY")
	}
	if o.relay == "" {
		o.relay = client.DefaultRelayURL
	}
	if o.token == "" {
		o.token = os.Getenv("ARC_TOKEN")
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (o *options) requireToken() error {
	if o.token == "" {
		return errors.New("--token required or set ARC_TOKEN")
	}
	return nil
}

// dial connects with the resolved relay and token.
func (o *options) dial(ctx context.Context) (*client.Client, error) {
	if err := o.requireToken(); err != nil {
		return nil, err
	}
	o.logger.Debug("connecting", "relay", o.relay)
	c, err := client.Dial(ctx, o.relay, o.token, client.Options{Logger: o.logger})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.relay, err)
	}
	return c, nil
}
