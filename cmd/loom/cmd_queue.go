package main

import (
	"fmt"

	"loom/pkg/admission"
	"loom/pkg/ledger"

	"github.com/spf13/cobra"
)

// newQueueCmd creates the "loom queue" subcommand.
func newQueueCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending and running admission items",
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

			queue := admission.New(db, admission.Config{
				LeaseTimeout: cfg.Admission.LeaseTimeout(),
				MaxAttempts:  cfg.Admission.MaxAttempts,
				Recovery:     admission.RecoveryPolicy(cfg.Admission.Recovery),
			})

			items, err := queue.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			st := newStyles()
			w := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(w, "queue empty")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(w, "%s %s conv=%s attempts=%d %s\n",
					st.dim.Render(fmt.Sprintf("#%d", item.ID)),
					st.header.Render(string(item.Status)),
					item.ConversationID, item.AttemptCount,
					st.dim.Render(item.CreatedAt),
				)
			}
			return nil
		},
	}
}

// newReapCmd creates the "loom reap" subcommand.
func newReapCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Recover stale running admission items",
		Long:  "Applies the configured recovery policy (requeue or fail) to\nrunning items whose lease heartbeat has expired.",
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

			queue := admission.New(db, admission.Config{
				LeaseTimeout: cfg.Admission.LeaseTimeout(),
				MaxAttempts:  cfg.Admission.MaxAttempts,
				Recovery:     admission.RecoveryPolicy(cfg.Admission.Recovery),
			})

			n, err := queue.ReapStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale items\n", n)
			return nil
		},
	}
}
