// Command dispatchd runs the field-service dispatch backend: the lead
// intake webhook plus database maintenance subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/storage/sqlstore"
	"github.com/fieldops/dispatch/internal/telemetry"
)

// Version and Build are stamped by the release pipeline via -ldflags.
var (
	Version = "0.1.0-dev"
	Build   = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "dispatchd",
	Short:         "Field-service dispatch backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return telemetry.Init(cmd.Context(), "dispatchd", Version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (default: environment only)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore opens the store described by the effective configuration.
func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		URL:             cfg.DatabaseURL,
		SuperAdminID:    cfg.SuperAdmin,
		SysAdminIDs:     cfg.SysAdminIDList(),
		ClosePhotoLimit: cfg.ClosePhotoLimit,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
