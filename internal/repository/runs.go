// SPDX-License-Identifier: Apache-2.0

// Package repository holds the Postgres access layer: run-control
// bookkeeping, watermark resolution, and the raw-layer loader.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campfin/fecingest/internal/domain"
)

// RunRepository records the lifecycle of ingest runs in
// control.ingest_runs. The table is append-then-finalize: Begin inserts a
// STARTED row, Finish flips it to a terminal status exactly once.
type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

// Begin inserts a STARTED row for the source and returns its run id.
func (r *RunRepository) Begin(ctx context.Context, src domain.Source) (int64, error) {
	var runID int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO control.ingest_runs (source, endpoint, status)
		 VALUES ($1, $2, $3)
		 RETURNING run_id`,
		src.Origin, src.Endpoint, domain.RunStarted,
	).Scan(&runID)
	if err != nil {
		r.logger.Error("insert run failed",
			"source", src.Name,
			"endpoint", src.Endpoint,
			"error", err,
		)
		return 0, err
	}

	r.logger.Info("run started",
		"run_id", runID,
		"source", src.Name,
		"endpoint", src.Endpoint,
	)
	return runID, nil
}

// Finish finalizes a STARTED run. Finalizing twice returns
// domain.ErrRunAlreadyFinal; the first outcome stands.
func (r *RunRepository) Finish(
	ctx context.Context,
	runID int64,
	status domain.RunStatus,
	lastIndexed *time.Time,
	rowsLoaded int64,
	notes *string,
) error {
	cmd, err := r.pool.Exec(ctx,
		`UPDATE control.ingest_runs
		 SET status = $2,
		     last_indexed_date = $3,
		     rows_loaded = $4,
		     notes = $5,
		     finished_at = NOW()
		 WHERE run_id = $1
		   AND status = $6`,
		runID, status, lastIndexed, rowsLoaded, notes, domain.RunStarted,
	)
	if err != nil {
		r.logger.Error("finalize run failed",
			"run_id", runID,
			"status", status,
			"error", err,
		)
		return err
	}

	if cmd.RowsAffected() == 0 {
		r.logger.Error("finalize run rejected",
			"run_id", runID,
			"status", status,
			"error", domain.ErrRunAlreadyFinal,
		)
		return domain.ErrRunAlreadyFinal
	}

	r.logger.Info("run finalized",
		"run_id", runID,
		"status", status,
		"rows_loaded", rowsLoaded,
	)
	return nil
}

const runColumns = `run_id, source, endpoint, status, last_indexed_date,
	rows_loaded, notes, created_at, finished_at`

// GetRun fetches one run row. Callers can test the returned error against
// pgx.ErrNoRows.
func (r *RunRepository) GetRun(ctx context.Context, runID int64) (domain.RunRecord, error) {
	var rec domain.RunRecord
	err := r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM control.ingest_runs WHERE run_id = $1`,
		runID,
	).Scan(
		&rec.RunID,
		&rec.Source,
		&rec.Endpoint,
		&rec.Status,
		&rec.LastIndexedDate,
		&rec.RowsLoaded,
		&rec.Notes,
		&rec.CreatedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("get run failed", "run_id", runID, "error", err)
		}
		return domain.RunRecord{}, err
	}
	return rec, nil
}

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Source   string
	Endpoint string
	Limit    int
}

// ListRuns returns the most recent runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM control.ingest_runs
		 WHERE ($1 = '' OR source = $1)
		   AND ($2 = '' OR endpoint = $2)
		 ORDER BY run_id DESC
		 LIMIT $3`,
		filter.Source, filter.Endpoint, limit,
	)
	if err != nil {
		r.logger.Error("list runs failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.RunRecord, 0, limit)
	for rows.Next() {
		var rec domain.RunRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.Source,
			&rec.Endpoint,
			&rec.Status,
			&rec.LastIndexedDate,
			&rec.RowsLoaded,
			&rec.Notes,
			&rec.CreatedAt,
			&rec.FinishedAt,
		); err != nil {
			r.logger.Error("scan run failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("list runs failed", "error", err)
		return nil, err
	}
	return out, nil
}
