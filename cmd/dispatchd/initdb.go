package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/internal/config"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema and seed project settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		// Open applies pending migrations as a side effect.
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		// Force the settings singleton into existence so a fresh deploy
		// starts with the stock thresholds.
		settings, err := store.GetProjectSettings(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Database ready at %s (currency %s, %d thresholds)\n",
			cfg.DatabaseURL, settings.Currency, len(settings.Thresholds))
		return nil
	},
}
