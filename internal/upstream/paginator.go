// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/metrics"
)

// filterLayout is the timestamp format the API accepts for lower-bound
// query parameters.
const filterLayout = "2006-01-02T15:04:05"

// RetryPolicy bounds how transient page-fetch failures are retried.
// MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 8 * time.Second
	}
	return p
}

// Options configures one pagination walk.
type Options struct {
	PageSize int
	MaxPages int        // 0 means unbounded
	After    *time.Time // stored watermark; nil on a first run
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// Paginator walks one upstream collection page by page. Use it like a
// scanner:
//
//	for p.Next(ctx) {
//		load(p.Batch())
//	}
//	if err := p.Err(); err != nil { ... }
type Paginator struct {
	client   *Client
	src      domain.Source
	params   url.Values
	retry    RetryPolicy
	logger   *slog.Logger
	maxPages int

	page   int
	pages  int
	total  int
	batch  []domain.Record
	err    error
	done   bool
	capped bool
}

func NewPaginator(client *Client, src domain.Source, opts Options) *Paginator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(pageSize))
	for k, v := range src.Params {
		params.Set(k, v)
	}
	if src.SortField != "" {
		params.Set("sort", src.SortField)
	}
	if opts.After != nil && src.FilterParam != "" {
		params.Set(src.FilterParam, filterValue(*opts.After))
	}

	return &Paginator{
		client:   client,
		src:      src,
		params:   params,
		retry:    opts.Retry.withDefaults(),
		logger:   logger,
		maxPages: opts.MaxPages,
	}
}

// filterValue formats the strictly-after lower bound. The stored mark plus
// one second, so the boundary record itself is not re-requested; the loader
// absorbs any overlap the coarser upstream filter lets through.
func filterValue(mark time.Time) string {
	return mark.Add(time.Second).UTC().Format(filterLayout)
}

// Next fetches the next page and makes its records available via Batch.
// It returns false when the collection is exhausted, the page cap was hit,
// or an error occurred; distinguish the last case with Err.
func (p *Paginator) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}

	if p.maxPages > 0 && p.pages >= p.maxPages {
		p.capped = true
		p.done = true
		p.logger.Info("page cap reached",
			"source", p.src.Name,
			"pages", p.pages,
		)
		return false
	}

	if p.src.Mode == domain.PaginatePage {
		p.page++
		p.params.Set("page", strconv.Itoa(p.page))
	}

	pg, err := p.fetchWithRetry(ctx)
	if err != nil {
		p.err = err
		return false
	}

	p.pages++
	metrics.IncPagesFetched(p.src.Name)

	if len(pg.results) == 0 {
		p.done = true
		return false
	}

	records, err := decodeRecords(pg.results, p.src)
	if err != nil {
		p.err = err
		return false
	}

	if err := p.advance(pg); err != nil {
		p.err = err
		return false
	}

	p.batch = records
	p.total += len(records)
	return true
}

// advance updates cursor state from a non-empty page, or flags the walk as
// finished when the envelope says there is nothing after it.
func (p *Paginator) advance(pg page) error {
	if !pg.hasPageInfo {
		return &ProtocolError{Reason: "non-empty page without pagination envelope"}
	}

	if p.src.Mode == domain.PaginatePage {
		if pg.pages > 0 && p.page >= pg.pages {
			p.done = true
		}
		return nil
	}

	switch {
	case pg.lastIndexes == nil:
		return &ProtocolError{Reason: "non-empty page missing last_indexes"}
	case bytes.Equal(bytes.TrimSpace(pg.lastIndexes), []byte("null")):
		// Explicit null cursor: this page is the final one.
		p.done = true
		return nil
	}

	cursor, err := decodeObject(pg.lastIndexes)
	if err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed last_indexes: %v", err)}
	}
	if len(cursor) == 0 {
		p.done = true
		return nil
	}

	for k, v := range cursor {
		p.params.Set(k, cursorValue(v))
	}
	return nil
}

func cursorValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// fetchWithRetry wraps single fetches in the retry policy. Only transient
// failures are retried; protocol violations and client errors surface
// immediately.
func (p *Paginator) fetchWithRetry(ctx context.Context) (page, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		started := time.Now()
		pg, err := p.client.fetchPage(ctx, p.src.Endpoint, p.params)
		metrics.ObservePageFetchDuration(time.Since(started))
		if err == nil {
			return pg, nil
		}
		lastErr = err

		if !Transient(err) {
			return page{}, err
		}
		if attempt >= p.retry.MaxAttempts {
			break
		}

		metrics.IncUpstreamRetries(p.src.Name)
		wait := p.backoff(attempt)
		p.logger.Warn("transient upstream failure, backing off",
			"source", p.src.Name,
			"endpoint", p.src.Endpoint,
			"attempt", attempt,
			"max_attempts", p.retry.MaxAttempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return page{}, ctx.Err()
		case <-timer.C:
		}
	}

	return page{}, fmt.Errorf("retries exhausted after %d attempts: %w", p.retry.MaxAttempts, lastErr)
}

func (p *Paginator) backoff(attempt int) time.Duration {
	// A single shift by attempt-1 overflows int64 near attempt 36.
	wait := p.retry.BaseBackoff
	for i := 1; i < attempt && wait < p.retry.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > p.retry.MaxBackoff {
		wait = p.retry.MaxBackoff
	}
	if p.retry.Jitter {
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))
	}
	return wait
}

// Batch returns the records decoded by the latest successful Next.
func (p *Paginator) Batch() []domain.Record { return p.batch }

// Err returns the error that stopped the walk, if any.
func (p *Paginator) Err() error { return p.err }

// Pages returns how many pages were fetched so far.
func (p *Paginator) Pages() int { return p.pages }

// Total returns how many records were yielded so far.
func (p *Paginator) Total() int { return p.total }

// Capped reports whether the walk stopped because of the page cap rather
// than upstream exhaustion.
func (p *Paginator) Capped() bool { return p.capped }

// decodeRecords projects raw result objects into load-ready records. A
// record that is not an object or lacks the merge key poisons the whole
// page; a missing or unparseable indexed date only mutes that record's
// watermark contribution.
func decodeRecords(raws []json.RawMessage, src domain.Source) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(raws))
	for i, raw := range raws {
		fields, err := decodeObject(raw)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("record %d is not an object: %v", i, err)}
		}

		key := fieldString(fields[src.MergeKey])
		if key == "" {
			return nil, &ProtocolError{Reason: fmt.Sprintf("record %d missing merge key %q", i, src.MergeKey)}
		}

		rec := domain.Record{Key: key, Payload: raw}
		if ts, ok := parseIndexedDate(fieldString(fields[src.IndexedField])); ok {
			rec.IndexedAt = ts
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeObject unmarshals a JSON object keeping numbers as json.Number;
// the default float64 decoding rounds integers wider than 2^53, and sub_id
// values are wider.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// parseIndexedDate accepts the date shapes the API emits: bare dates and
// second-resolution timestamps with or without a zone.
func parseIndexedDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, filterLayout, "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
