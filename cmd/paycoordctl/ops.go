package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/httpapi"
)

func loadConfig(cmd *cobra.Command, lookup app.EnvLookup) app.Config {
	cfg, warnings := app.ConfigFromEnv(lookup)
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	return cfg
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd(lookup app.EnvLookup) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep over overdue payment attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			tools, err := app.OpenTools(ctx, loadConfig(cmd, lookup), nil)
			if err != nil {
				return err
			}
			defer tools.Close()

			report, err := tools.Sweeper.SweepOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
}

func repairUnitsCmd(lookup app.EnvLookup) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "repair-units",
		Short: "Finalize or release units stuck in PENDING_PAYMENT for finished orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			tools, err := app.OpenTools(ctx, loadConfig(cmd, lookup), nil)
			if err != nil {
				return err
			}
			defer tools.Close()

			report, err := tools.Inventory.RepairUnits(ctx, dryRun)
			if err != nil {
				return fmt.Errorf("repair units: %w", err)
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without touching units")
	return cmd
}

func adminTokenCmd(lookup app.EnvLookup) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a JWT for the /admin API signed with " + app.EnvAdminJWTSecret,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd, lookup)
			if cfg.AdminJWTSecret == "" {
				return errors.New(app.EnvAdminJWTSecret + " is required")
			}
			token, err := httpapi.IssueAdminToken(cfg.AdminJWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "ops", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
