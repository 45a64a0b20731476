package main

import (
	"fmt"

	"loom/pkg/ledger"

	"github.com/spf13/cobra"
)

// newTruncateCmd creates the "loom truncate" subcommand.
func newTruncateCmd(flags *rootFlags) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "truncate <conversation-id> <user-message-id>",
		Short: "Rewind a conversation to just before a user message",
		Long: "Truncates a conversation at the given user message: that message\n" +
			"and everything after it become invisible, but no rows are deleted.\n" +
			"The conversation can keep going from the shortened transcript.",
		Args: cobra.ExactArgs(2),
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

			trunc := ledger.NewTruncator(db)
			seg, err := trunc.TruncateFromUserMessage(cmd.Context(), args[0], actor, args[1])
			if err != nil {
				return err
			}

			st := newStyles()
			fmt.Fprintf(cmd.OutOrStdout(), "%s segment %d active, prior segment truncated\n",
				st.header.Render("truncated:"), seg.SegmentIndex)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded as truncated_by")
	return cmd
}
