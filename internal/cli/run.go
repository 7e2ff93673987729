// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/campfin/fecingest/internal/config"
	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/ingest"
	"github.com/campfin/fecingest/internal/logging"
	"github.com/campfin/fecingest/internal/persistence/postgres"
	"github.com/campfin/fecingest/internal/repository"
	"github.com/campfin/fecingest/internal/upstream"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [source ...]",
		Short: "Execute ingest runs for the given sources (default: all)",
		Long: `Runs the extract-and-load pipeline for each named source in order. With
no arguments every builtin source is processed. A failing source does not
stop the remaining ones; the command exits non-zero if any run failed.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func runIngest(ctx context.Context, out io.Writer, names []string) error {
	sources, err := resolveSources(names)
	if err != nil {
		return err
	}

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	} else if err := postgres.SchemaReady(ctx, pool); err != nil {
		return fmt.Errorf("schema not ready: %w", err)
	}

	client := upstream.NewClient(upstream.ClientOptions{
		BaseURL:           cfg.FECBaseURL,
		APIKey:            cfg.FECAPIKey,
		Timeout:           cfg.FECHTTPTimeout,
		RequestsPerSecond: cfg.FECRPS,
		Logger:            logger,
	})

	pipeline := ingest.New(ingest.Deps{
		Client:     client,
		Runs:       repository.NewRunRepository(pool, logger),
		Watermarks: repository.NewWatermarkStore(pool, logger),
		Loader:     repository.NewRawLoader(pool, logger, cfg.LoadChunkSize),
		Logger:     logger,
		PageSize:   cfg.PageSize,
		MaxPages:   cfg.MaxPages,
		Retry: upstream.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseBackoff: cfg.RetryBaseBackoff,
			MaxBackoff:  cfg.RetryMaxBackoff,
			Jitter:      cfg.RetryJitter,
		},
		FirstRunLookback: cfg.FirstRunLookback,
	})

	summaries, err := pipeline.RunAll(ctx, sources)
	printSummaries(out, summaries)
	return err
}

func resolveSources(names []string) ([]domain.Source, error) {
	if len(names) == 0 {
		return domain.BuiltinSources(), nil
	}

	out := make([]domain.Source, 0, len(names))
	for _, name := range names {
		src, err := domain.LookupSource(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q (available: %s)", err, name, strings.Join(sourceNames(), ", "))
		}
		out = append(out, src)
	}
	return out, nil
}

func sourceNames() []string {
	builtin := domain.BuiltinSources()
	names := make([]string, 0, len(builtin))
	for _, src := range builtin {
		names = append(names, src.Name)
	}
	return names
}

func printSummaries(w io.Writer, summaries []domain.RunSummary) {
	if w == nil {
		w = os.Stdout
	}
	for _, s := range summaries {
		mark := "-"
		if s.LastIndexedDate != nil {
			mark = s.LastIndexedDate.UTC().Format(time.RFC3339)
		}
		suffix := ""
		if s.Capped {
			suffix = " (page cap)"
		}
		fmt.Fprintf(w, "%s\t%s\trun=%d\trows=%d\tpages=%d\twatermark=%s%s\n",
			s.Source, s.Status, s.RunID, s.RowsLoaded, s.Pages, mark, suffix)
	}
}
