// SPDX-License-Identifier: Apache-2.0

// Package ingest drives watermark-driven extract-and-load runs: resolve the
// watermark, record a STARTED run, walk the upstream pages, load each batch,
// and finalize the run exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/metrics"
	"github.com/campfin/fecingest/internal/upstream"
)

// notesLimit bounds failure notes stored on a run row.
const notesLimit = 500

// RunRecorder is the run-control surface the pipeline writes through.
type RunRecorder interface {
	Begin(ctx context.Context, src domain.Source) (int64, error)
	Finish(ctx context.Context, runID int64, status domain.RunStatus, lastIndexed *time.Time, rowsLoaded int64, notes *string) error
}

// WatermarkSource resolves the stored high-water mark for a source.
type WatermarkSource interface {
	Latest(ctx context.Context, src domain.Source) (time.Time, bool, error)
}

// BatchLoader writes one page worth of records to the raw layer.
type BatchLoader interface {
	LoadBatch(ctx context.Context, src domain.Source, records []domain.Record) (int64, error)
}

type Deps struct {
	Client     *upstream.Client
	Runs       RunRecorder
	Watermarks WatermarkSource
	Loader     BatchLoader
	Logger     *slog.Logger

	PageSize int
	MaxPages int
	Retry    upstream.RetryPolicy

	// FirstRunLookback bounds a source's very first run to recent history
	// instead of the full collection. Zero disables the bound.
	FirstRunLookback time.Duration
}

type Pipeline struct {
	client     *upstream.Client
	runs       RunRecorder
	watermarks WatermarkSource
	loader     BatchLoader
	logger     *slog.Logger

	pageSize         int
	maxPages         int
	retry            upstream.RetryPolicy
	firstRunLookback time.Duration
}

func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		client:           deps.Client,
		runs:             deps.Runs,
		watermarks:       deps.Watermarks,
		loader:           deps.Loader,
		logger:           logger,
		pageSize:         deps.PageSize,
		maxPages:         deps.MaxPages,
		retry:            deps.Retry,
		firstRunLookback: deps.FirstRunLookback,
	}
}

// Run executes one ingest run for src. Every run that gets past Begin is
// finalized to SUCCEEDED or FAILED, even on cancellation; only a Begin
// failure leaves no audit row. The returned summary reflects what actually
// happened regardless of the error.
func (p *Pipeline) Run(ctx context.Context, src domain.Source) (domain.RunSummary, error) {
	started := time.Now()
	summary := domain.RunSummary{
		Source:   src.Name,
		Endpoint: src.Endpoint,
		Status:   domain.RunStarted,
	}

	runID, err := p.runs.Begin(ctx, src)
	if err != nil {
		return summary, fmt.Errorf("begin run: %w", err)
	}
	summary.RunID = runID

	after, err := p.resolveAfter(ctx, src)
	if err != nil {
		return p.fail(ctx, &summary, src, nil, fmt.Errorf("resolve watermark: %w", err))
	}

	p.logger.Info("ingest run starting",
		"run_id", runID,
		"source", src.Name,
		"endpoint", src.Endpoint,
		"watermark", after,
	)

	pager := upstream.NewPaginator(p.client, src, upstream.Options{
		PageSize: p.pageSize,
		MaxPages: p.maxPages,
		After:    after,
		Retry:    p.retry,
		Logger:   p.logger,
	})

	var maxSeen time.Time
	for pager.Next(ctx) {
		batch := pager.Batch()
		loaded, err := p.loader.LoadBatch(ctx, src, batch)
		summary.RowsLoaded += loaded

		// Only records that actually committed may advance the mark.
		// The loader writes in order, so the first `loaded` records are
		// the committed prefix.
		for _, rec := range batch[:min(int(loaded), len(batch))] {
			if rec.IndexedAt.After(maxSeen) {
				maxSeen = rec.IndexedAt
			}
		}

		if err != nil {
			summary.Pages = pager.Pages()
			return p.fail(ctx, &summary, src, markOrNil(maxSeen), fmt.Errorf("load batch: %w", err))
		}
	}
	summary.Pages = pager.Pages()
	summary.Capped = pager.Capped()

	if err := pager.Err(); err != nil {
		return p.fail(ctx, &summary, src, markOrNil(maxSeen), err)
	}

	// A clean run with no new dated records carries the previous
	// watermark forward instead of erasing it.
	mark := markOrNil(maxSeen)
	if mark == nil {
		mark = after
	}
	summary.LastIndexedDate = mark

	var notes *string
	if summary.Capped {
		capped := fmt.Sprintf("stopped at page cap after %d pages", summary.Pages)
		notes = &capped
	}

	if err := p.finish(ctx, runID, domain.RunSucceeded, mark, summary.RowsLoaded, notes); err != nil {
		p.logger.Error("finalize succeeded run failed, reconcile manually",
			"run_id", runID,
			"source", src.Name,
			"error", err,
		)
		return summary, fmt.Errorf("finalize run %d: %w", runID, err)
	}
	summary.Status = domain.RunSucceeded

	metrics.IncRunStatus(src.Name, domain.RunSucceeded)
	metrics.ObserveRunDuration(src.Name, time.Since(started))

	p.logger.Info("ingest run succeeded",
		"run_id", runID,
		"source", src.Name,
		"rows_loaded", summary.RowsLoaded,
		"pages", summary.Pages,
		"capped", summary.Capped,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return summary, nil
}

// RunAll executes every source in order, continuing past failures so one
// broken feed does not starve the rest. The joined error carries each
// failure; cancellation stops the walk.
func (p *Pipeline) RunAll(ctx context.Context, sources []domain.Source) ([]domain.RunSummary, error) {
	summaries := make([]domain.RunSummary, 0, len(sources))
	var errs []error

	for _, src := range sources {
		summary, err := p.Run(ctx, src)
		summaries = append(summaries, summary)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return summaries, errors.Join(errs...)
}

// resolveAfter picks the lower bound for this run: the stored watermark,
// the configured first-run lookback, or nothing at all.
func (p *Pipeline) resolveAfter(ctx context.Context, src domain.Source) (*time.Time, error) {
	mark, ok, err := p.watermarks.Latest(ctx, src)
	if err != nil {
		return nil, err
	}
	if ok {
		return &mark, nil
	}

	if p.firstRunLookback > 0 {
		fallback := time.Now().UTC().Add(-p.firstRunLookback).Truncate(time.Second)
		p.logger.Info("no stored watermark, bounding first run",
			"source", src.Name,
			"lookback", p.firstRunLookback.String(),
		)
		return &fallback, nil
	}
	return nil, nil
}

func (p *Pipeline) fail(ctx context.Context, summary *domain.RunSummary, src domain.Source, mark *time.Time, cause error) (domain.RunSummary, error) {
	notes := truncateNotes(cause.Error())
	summary.LastIndexedDate = mark

	if err := p.finish(ctx, summary.RunID, domain.RunFailed, mark, summary.RowsLoaded, &notes); err != nil {
		p.logger.Error("finalize failed run failed, reconcile manually",
			"run_id", summary.RunID,
			"source", src.Name,
			"cause", cause,
			"error", err,
		)
		return *summary, cause
	}
	summary.Status = domain.RunFailed

	metrics.IncRunStatus(src.Name, domain.RunFailed)

	p.logger.Error("ingest run failed",
		"run_id", summary.RunID,
		"source", src.Name,
		"rows_loaded", summary.RowsLoaded,
		"pages", summary.Pages,
		"error", cause,
	)
	return *summary, cause
}

// finish finalizes through a detached context so a canceled run still gets
// its terminal status written.
func (p *Pipeline) finish(ctx context.Context, runID int64, status domain.RunStatus, mark *time.Time, rows int64, notes *string) error {
	return p.runs.Finish(context.WithoutCancel(ctx), runID, status, mark, rows, notes)
}

func markOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// truncateNotes bounds a note without splitting a rune; Postgres rejects
// text columns that are not valid UTF-8.
func truncateNotes(s string) string {
	if len(s) <= notesLimit {
		return s
	}
	cut := notesLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
