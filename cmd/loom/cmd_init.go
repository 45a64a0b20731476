package main

import (
	"fmt"
	"os"

	"loom/pkg/ledger"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "loom init" subcommand.
func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the loom home directory and database",
		Long:  "Creates the home directory, blob and plans directories,\nand initializes (or migrates) the ledger database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(flags.dir, 0o755); err != nil {
				return fmt.Errorf("create home dir: %w", err)
			}
			if err := os.MkdirAll(cfg.BlobDir, 0o755); err != nil {
				return fmt.Errorf("create blob dir: %w", err)
			}
			if err := os.MkdirAll(cfg.PlansDir, 0o755); err != nil {
				return fmt.Errorf("create plans dir: %w", err)
			}

			db, err := ledger.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := ledger.InitSchema(cmd.Context(), db); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.DBPath)
			return nil
		},
	}
}
