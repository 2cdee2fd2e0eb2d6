package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/arc/relay/internal/config"
	"github.com/agentrelay/arc/relay/internal/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [config-file]",
		Short: "List recent audit events from the relay's store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Storage.Driver == "memory" {
				return fmt.Errorf("the memory driver keeps no audit trail between processes")
			}

			action, _ := cmd.Flags().GetString("action")
			identity, _ := cmd.Flags().GetString("identity")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			s, err := store.New(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			events, err := s.ListAuditEvents(ctx, store.AuditFilter{Action: action, Identity: identity, Limit: limit})
			if err != nil {
				return fmt.Errorf("list audit events: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tACTION\tIDENTITY\tREMOTE\tDETAIL")
			for _, e := range events {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Action, dash(e.Identity), dash(e.RemoteAddr), dash(string(e.Detail)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("action", "", "only show events with this action (e.g. auth.reject)")
	cmd.Flags().String("identity", "", "only show events for this identity")
	cmd.Flags().Int("limit", 50, "maximum number of events")
	cmd.Flags().Bool("json", false, "print events as JSON")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
