package main

import (
	"fmt"

	"loom/pkg/ledger"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTranscriptCmd creates the "loom transcript" subcommand.
func newTranscriptCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <conversation-id>",
		Short: "Print a conversation's visible transcript",
		Long:  "Prints the visibility-filtered transcript of a conversation:\nmessages hidden by truncation are not shown.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			blobs, err := ledger.NewDirStore(cfg.BlobDir)
			if err != nil {
				return err
			}

			query := ledger.NewQuery(db, blobs)
			msgs, err := query.Transcript(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			st := newStyles()
			w := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(w, "%s %s\n%s\n",
					st.roleStyle(m.Role).Render(fmt.Sprintf("[%d] %s", m.Position, m.Role)),
					st.dim.Render(m.CreatedAt),
					m.Content,
				)
				atts, err := protocol.DecodeAttachments(m.Attachments)
				if err == nil {
					for _, a := range atts {
						fmt.Fprintf(w, "%s\n", st.dim.Render(fmt.Sprintf("  attachment: %s (%d bytes)", a.Name, a.Size)))
					}
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}
