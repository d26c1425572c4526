package main

import (
	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/engine/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Schema is up to date")
			return nil
		},
	}
}
