package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/cli/internal/tui"
	"github.com/agentrelay/arc/pkg/protocol"
)

func newListenCmd(o *options) *cobra.Command {
	var (
		subscribe []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := o.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, tui.Success.Render("✓ Connected"))
				fmt.Fprintln(out, tui.Dimmed.Render("Agent ID: "+c.Identity()))
				fmt.Fprintln(out, tui.Dimmed.Render("Relay: "+c.Welcome().Relay))
			}

			if len(subscribe) > 0 {
				reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
				ack, err := c.Subscribe(reqCtx, subscribe)
				cancel()
				if err != nil {
					return fmt.Errorf("subscribe: %w", err)
				}
				if !asJSON {
					fmt.Fprintln(out, tui.Dimmed.Render("Subscribed to: "+strings.Join(ack.Agents, ", ")))
				}
			}
			if !asJSON {
				fmt.Fprintln(out)
				fmt.Fprintln(out, tui.Title.Render("Listening for messages... (Ctrl+C to exit)"))
				fmt.Fprintln(out)
			}

			enc := json.NewEncoder(out)
			count := 0
			for {
				f, err := c.Next(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, client.ErrClosed) {
						return nil
					}
					return err
				}
				if asJSON {
					if err := enc.Encode(f); err != nil {
						return err
					}
					continue
				}
				count++
				printFrame(out, count, f, o.verbose)
			}
		},
	}
	cmd.Flags().StringSliceVar(&subscribe, "subscribe", nil, "agent IDs to subscribe to before listening")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each frame as a JSON line")
	return cmd
}

func printFrame(w io.Writer, n int, f protocol.Frame, verbose bool) {
	typ := f.Type
	if typ == "" {
		typ = "message"
	}
	payload := string(f.Payload)
	var s string
	if json.Unmarshal(f.Payload, &s) == nil {
		payload = s
	}

	fmt.Fprintln(w, tui.WarningStyle.Render(fmt.Sprintf("Message %d:", n)))
	fmt.Fprintf(w, "   From: %s\n", tui.SenderStyle(f.From).Render(f.From))
	fmt.Fprintln(w, tui.Dimmed.Render("   Type: "+typ))
	fmt.Fprintln(w, tui.Dimmed.Render("   To: "+strings.Join(f.To, ", ")))
	fmt.Fprintln(w, "   Payload: "+payload)
	if verbose {
		fmt.Fprintln(w, tui.Dimmed.Render("   ID: "+f.ID))
		fmt.Fprintln(w, tui.Dimmed.Render("   Timestamp: "+time.UnixMilli(f.TS).Format(time.RFC3339Nano)))
	}
	fmt.Fprintln(w)
}
