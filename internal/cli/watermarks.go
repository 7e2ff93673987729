// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campfin/fecingest/internal/config"
	"github.com/campfin/fecingest/internal/logging"
	"github.com/campfin/fecingest/internal/persistence/postgres"
	"github.com/campfin/fecingest/internal/repository"
)

func NewWatermarksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks",
		Short: "Print the resolved watermark for every (source, endpoint) pair",
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

			if err := postgres.SchemaReady(ctx, pool); err != nil {
				return fmt.Errorf("schema not ready: %w", err)
			}

			marks, err := repository.NewWatermarkStore(pool, logger).List(ctx)
			if err != nil {
				return fmt.Errorf("list watermarks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(marks) == 0 {
				fmt.Fprintln(out, "no watermarks recorded")
				return nil
			}
			for _, m := range marks {
				fmt.Fprintf(out, "%s\t%s\t%s\n", m.Source, m.Endpoint, m.LastIndexedDate.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
