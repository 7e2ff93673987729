// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campfin/fecingest/internal/domain"
)

// WatermarkStore resolves high-water marks from the run-control table.
// Watermarks are never stored separately; they are a projection over
// SUCCEEDED runs, so a failed or in-flight run can never advance one.
type WatermarkStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewWatermarkStore(pool *pgxpool.Pool, logger *slog.Logger) *WatermarkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermarkStore{
		pool:   pool,
		logger: logger,
	}
}

// Latest returns the watermark for one source. ok is false on a first run,
// when no successful run has recorded an indexed date yet.
func (s *WatermarkStore) Latest(ctx context.Context, src domain.Source) (time.Time, bool, error) {
	var mark *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(last_indexed_date)
		 FROM control.ingest_runs
		 WHERE source = $1
		   AND endpoint = $2
		   AND status = $3`,
		src.Origin, src.Endpoint, domain.RunSucceeded,
	).Scan(&mark)
	if err != nil {
		s.logger.Error("resolve watermark failed",
			"source", src.Name,
			"endpoint", src.Endpoint,
			"error", err,
		)
		return time.Time{}, false, err
	}

	if mark == nil {
		return time.Time{}, false, nil
	}
	return mark.UTC(), true, nil
}

// List returns the resolved watermark for every (source, endpoint) pair
// that has at least one successful dated run.
func (s *WatermarkStore) List(ctx context.Context) ([]domain.Watermark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, endpoint, MAX(last_indexed_date)
		 FROM control.ingest_runs
		 WHERE status = $1
		   AND last_indexed_date IS NOT NULL
		 GROUP BY source, endpoint
		 ORDER BY source, endpoint`,
		domain.RunSucceeded,
	)
	if err != nil {
		s.logger.Error("list watermarks failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Watermark, 0, 8)
	for rows.Next() {
		var wm domain.Watermark
		if err := rows.Scan(&wm.Source, &wm.Endpoint, &wm.LastIndexedDate); err != nil {
			s.logger.Error("scan watermark failed", "error", err)
			return nil, err
		}
		wm.LastIndexedDate = wm.LastIndexedDate.UTC()
		out = append(out, wm)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("list watermarks failed", "error", err)
		return nil, err
	}
	return out, nil
}
