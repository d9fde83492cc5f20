package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database commands for the postgres and sqlite drivers",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the dashboard tables (and the change trigger on postgres)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		driver := valueOrDefault(cfg.Backend.Driver, driverREST)
		if driver != driverPostgres && driver != driverSQLite {
			return fmt.Errorf("db migrate needs the postgres or sqlite driver (configured: %s)", driver)
		}

		backend, err := openBackend(cfg, nil, newLogger(cfg))
		if err != nil {
			return err
		}
		defer backend.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := backend.sql.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Printf("Schema ready (%s)\n", driver)
		return nil
	},
}
