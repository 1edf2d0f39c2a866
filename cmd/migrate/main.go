// Package main provides the schema migration tool for the transactions and outbox tables.
//
// Usage:
//
//	migrate up
//	migrate down
//	migrate version
//
// The database URL comes from DATABASE_URL unless --database-url is given.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jnst/microbank-transactions/internal/config"
	"github.com/jnst/microbank-transactions/internal/logger"
	"github.com/jnst/microbank-transactions/internal/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var databaseURL string

	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the embedded schema migrations",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if databaseURL != "" {
				return nil
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))
			databaseURL = cfg.DatabaseURL

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")

	rootCmd.AddCommand(
		newMigrateCmd("up", "Apply all pending migrations", &databaseURL, (*migrations.Migrator).Up),
		newMigrateCmd("down", "Roll back all migrations", &databaseURL, (*migrations.Migrator).Down),
		newVersionCmd(&databaseURL),
	)

	return rootCmd
}

func newMigrateCmd(use, short string, databaseURL *string, apply func(*migrations.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(*databaseURL, func(m *migrations.Migrator) error {
				if err := apply(m); err != nil {
					return err
				}

				return logVersion(m)
			})
		},
	}
}

func newVersionCmd(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(*databaseURL, func(m *migrations.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)

				return err
			})
		},
	}
}

func withMigrator(databaseURL string, fn func(*migrations.Migrator) error) error {
	m, err := migrations.New(databaseURL)
	if err != nil {
		return err
	}

	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("failed to close migrator", slog.String("error", err.Error()))
		}
	}()

	return fn(m)
}

func logVersion(m *migrations.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}

	slog.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))

	return nil
}
