// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campfin/fecingest/internal/config"
	"github.com/campfin/fecingest/internal/logging"
	"github.com/campfin/fecingest/internal/persistence/postgres"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			logger := logging.NewLogger(cfg.Env)

			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
