package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

func migrateCmd(lookup app.EnvLookup) *cobra.Command {
	var (
		steps int
		dsn   string
	)

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or inspect postgres schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if strings.TrimSpace(dsn) == "" {
				dsn, _ = lookup(app.EnvPostgresDSN)
			}
			dsn = strings.TrimSpace(dsn)
			if dsn == "" {
				return errors.New(app.EnvPostgresDSN + " (or --dsn) is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			store, err := postgres.Open(ctx, dsn)
			if err != nil {
				return fmt.Errorf("open postgres store: %w", err)
			}
			defer store.Close()

			switch direction {
			case "up":
				if err := store.MigrateUp(ctx, steps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
			case "down":
				if steps <= 0 {
					steps = 1
				}
				if err := store.MigrateDown(ctx, steps); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
			}

			version, count, err := store.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("migration status failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s ok: version=%d applied=%d\n", direction, version, count)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+app.EnvPostgresDSN+")")
	return cmd
}
