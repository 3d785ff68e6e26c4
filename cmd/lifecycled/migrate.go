package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nainya/govlifecycle/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver == config.DriverMemory {
			fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema")
			return nil
		}

		// Opening a store applies its migrations.
		store, _, err := openStore(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.StoreDriver)
		return nil
	},
}
