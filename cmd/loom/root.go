package main

import (
	"fmt"

	"loom/internal/version"
	"loom/pkg/config"

	"github.com/spf13/cobra"
)

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	dir string
}

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Conversation ledger maintenance CLI",
		Long:          "loom inspects and maintains the conversation ledger:\ntranscripts, event logs, the run admission queue, and truncation.",
		Version:       fmt.Sprintf("loom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&flags.dir, "dir", config.DefaultDir(), "loom home directory")

	cmd.AddCommand(
		newInitCmd(&flags),
		newTranscriptCmd(&flags),
		newEventsCmd(&flags),
		newQueueCmd(&flags),
		newTruncateCmd(&flags),
		newReapCmd(&flags),
	)

	return cmd
}

// loadConfig resolves the effective configuration for the chosen home dir.
func loadConfig(flags *rootFlags) (config.Config, error) {
	return config.Load(flags.dir)
}
