// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/metrics"
)

// RawLoader writes extracted records into the raw layer. Loads are
// idempotent: conflicts on the natural key overwrite the stored payload,
// so replaying a page never duplicates rows.
type RawLoader struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	chunkSize int
}

func NewRawLoader(pool *pgxpool.Pool, logger *slog.Logger, chunkSize int) *RawLoader {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &RawLoader{
		pool:      pool,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// upsertSQL builds the merge statement for a source's raw table. Table
// names cannot be bind parameters, so the identifier is sanitized instead.
func upsertSQL(src domain.Source) string {
	schema, table, ok := strings.Cut(src.Table, ".")
	if !ok {
		schema, table = "public", src.Table
	}

	return fmt.Sprintf(`INSERT INTO %s (record_key, source, endpoint, indexed_at, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (record_key) DO UPDATE SET
		     ingest_ts = NOW(),
		     source = EXCLUDED.source,
		     endpoint = EXCLUDED.endpoint,
		     indexed_at = EXCLUDED.indexed_at,
		     payload = EXCLUDED.payload`,
		pgx.Identifier{schema, table}.Sanitize(),
	)
}

// LoadBatch upserts records in chunks and returns how many rows were
// written. It fails fast: the first failed chunk aborts the load, and the
// returned count covers only chunks that committed before it.
func (l *RawLoader) LoadBatch(ctx context.Context, src domain.Source, records []domain.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	sql := upsertSQL(src)
	var loaded int64

	for _, chunk := range chunkRecords(records, l.chunkSize) {
		n, err := l.loadChunk(ctx, sql, src, chunk)
		loaded += n
		if err != nil {
			l.logger.Error("batch load failed",
				"source", src.Name,
				"table", src.Table,
				"loaded", loaded,
				"error", err,
			)
			return loaded, err
		}
	}

	metrics.AddRecordsLoaded(src.Name, loaded)
	l.logger.Debug("batch loaded",
		"source", src.Name,
		"table", src.Table,
		"records", loaded,
	)
	return loaded, nil
}

func (l *RawLoader) loadChunk(ctx context.Context, sql string, src domain.Source, chunk []domain.Record) (int64, error) {
	started := time.Now()

	batch := &pgx.Batch{}
	for _, rec := range chunk {
		batch.Queue(sql, rec.Key, src.Origin, src.Endpoint, nullableTime(rec.IndexedAt), rec.Payload)
	}

	results := l.pool.SendBatch(ctx, batch)
	var written int64
	for range chunk {
		cmd, err := results.Exec()
		if err != nil {
			results.Close()
			// The chunk runs as one implicit transaction, so none of
			// its rows survive a mid-chunk failure.
			return 0, err
		}
		written += cmd.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	metrics.ObserveBatchLoadDuration(time.Since(started))
	return written, nil
}

func chunkRecords(records []domain.Record, size int) [][]domain.Record {
	if size <= 0 {
		size = len(records)
	}
	chunks := make([][]domain.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
