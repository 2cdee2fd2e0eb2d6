package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/tui"
)

func newSendCmd(o *options) *cobra.Command {
	var (
		to      []string
		asJSON  bool
		msgType string
	)
	cmd := &cobra.Command{
		Use:   "send <payload>",
		Short: "Send a message (broadcast unless --to is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any = args[0]
			if asJSON {
				var v any
				if err := json.Unmarshal([]byte(args[0]), &v); err != nil {
					return errors.New("invalid JSON payload")
				}
				payload = v
			}

			c, err := o.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tui.Success.Render("✓ Connected as "+c.Identity()))

			if len(to) == 0 {
				fmt.Fprintln(out, tui.Label.Render("→ Broadcasting..."))
				err = c.Broadcast(payload, msgType)
			} else {
				fmt.Fprintln(out, tui.Label.Render(fmt.Sprintf("→ Sending to %d agent(s)...", len(to))))
				err = c.Direct(to, payload, msgType)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tui.Success.Render("✓ Message sent"))

			if o.verbose {
				raw, _ := json.Marshal(payload)
				fmt.Fprintln(out, tui.Dimmed.Render("Payload: "+string(raw)))
				if msgType != "" {
					fmt.Fprintln(out, tui.Dimmed.Render("Type: "+msgType))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient agent IDs, comma-separated")
	cmd.Flags().BoolVar(&asJSON, "json", false, "parse the payload as JSON")
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	return cmd
}
