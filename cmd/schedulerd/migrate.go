package main

import (
	"fmt"

	"broadcast-scheduling-backend/pkg/database"

	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var store *database.SQLDatabase
			switch cfg.ResolvedDriver() {
			case "postgres":
				store, err = database.NewPostgresDatabase(cfg.PostgresDSN)
			case "sqlite":
				store, err = database.NewSQLiteDatabase(cfg.SQLitePath)
			default:
				return fmt.Errorf("migrate needs POSTGRES_DSN or SQLITE_PATH; driver %q has no schema", cfg.ResolvedDriver())
			}
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			applied, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := store.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("health check after migrate: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}
