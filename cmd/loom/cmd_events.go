package main

import (
	"fmt"

	"loom/pkg/ledger"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	after int64
	limit int
	sse   bool
}

// newEventsCmd creates the "loom events" subcommand.
func newEventsCmd(flags *rootFlags) *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events <conversation-id>",
		Short: "Page through a conversation's event log",
		Long:  "Prints visible ledger events for a conversation, oldest first.\nUse --after with the printed cursor to fetch the next page.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, err := ledger.Open(conf.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			blobs, err := ledger.NewDirStore(conf.BlobDir)
			if err != nil {
				return err
			}

			query := ledger.NewQuery(db, blobs)
			page, err := query.Events(cmd.Context(), args[0], cfg.after, cfg.limit)
			if err != nil {
				return err
			}

			st := newStyles()
			w := cmd.OutOrStdout()
			for _, ev := range page.Events {
				if cfg.sse {
					frame, err := protocol.FrameFromEvent(ev).MarshalSSE(ev.ID)
					if err != nil {
						return err
					}
					w.Write(frame) //nolint:errcheck,gosec // best-effort stdout
					continue
				}
				provenance := ""
				if ev.StageName != "" {
					provenance = fmt.Sprintf(" stage=%s branch=%d", ev.StageName, ev.BranchIndex)
				}
				fmt.Fprintf(w, "%s %s %s seq=%d%s %s\n",
					st.dim.Render(fmt.Sprintf("#%d", ev.ID)),
					st.header.Render(string(ev.Kind)),
					shortID(ev.StreamID), ev.Seq, provenance,
					truncatePayload(ev.Payload, 80),
				)
			}
			if page.HasMore {
				fmt.Fprintf(w, "%s\n", st.dim.Render(fmt.Sprintf("more: --after %d", page.Cursor)))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&cfg.after, "after", 0, "resume cursor (global event id)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&cfg.sse, "sse", false, "emit raw server-sent-event frames")

	return cmd
}

// shortID trims a stream id for single-line display. Producer-assigned
// stream ids can be arbitrarily short.
func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// truncatePayload trims a payload for single-line display.
func truncatePayload(payload string, max int) string {
	if len(payload) <= max {
		return payload
	}
	return payload[:max] + "..."
}
