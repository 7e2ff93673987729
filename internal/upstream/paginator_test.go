// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/campfin/fecingest/internal/domain"
)

// fastRetry keeps retry-path tests quick.
var fastRetry = RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func scheduleASource(t *testing.T) domain.Source {
	t.Helper()
	src, err := domain.LookupSource("schedule_a")
	if err != nil {
		t.Fatalf("lookup schedule_a: %v", err)
	}
	return src
}

func committeesSource(t *testing.T) domain.Source {
	t.Helper()
	src, err := domain.LookupSource("committees")
	if err != nil {
		t.Fatalf("lookup committees: %v", err)
	}
	return src
}

func contributions(t *testing.T, start, n int) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]any{
			"sub_id":                    fmt.Sprintf("sub-%04d", start+i),
			"load_date":                 "2024-07-01T10:00:00",
			"contribution_receipt_date": "2024-06-30",
		})
	}
	return out
}

func envelope(t *testing.T, results []map[string]any, pagination map[string]any) string {
	t.Helper()
	body := map[string]any{"results": results}
	if pagination != nil {
		body["pagination"] = pagination
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

func TestPaginatorKeysetWalk(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		switch cursor := req.URL.Query().Get("last_index"); cursor {
		case "":
			return jsonResponse(http.StatusOK, envelope(t,
				contributions(t, 0, 100),
				map[string]any{"count": 250, "pages": 3, "last_indexes": map[string]any{
					"last_index":                     "sub-0099",
					"last_contribution_receipt_date": "2024-06-30",
				}},
			)), nil
		case "sub-0099":
			return jsonResponse(http.StatusOK, envelope(t,
				contributions(t, 100, 100),
				map[string]any{"count": 250, "pages": 3, "last_indexes": map[string]any{
					"last_index":                     "sub-0199",
					"last_contribution_receipt_date": "2024-06-30",
				}},
			)), nil
		case "sub-0199":
			return jsonResponse(http.StatusOK, envelope(t,
				contributions(t, 200, 50),
				map[string]any{"count": 250, "pages": 3, "last_indexes": nil},
			)), nil
		default:
			t.Fatalf("unexpected cursor %q", cursor)
			return nil, nil
		}
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})

	keys := make(map[string]bool)
	batches := 0
	for p.Next(context.Background()) {
		batches++
		for _, rec := range p.Batch() {
			if keys[rec.Key] {
				t.Errorf("duplicate key %q", rec.Key)
			}
			keys[rec.Key] = true
			if rec.IndexedAt.IsZero() {
				t.Errorf("record %q missing indexed date", rec.Key)
			}
		}
	}

	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if batches != 3 {
		t.Errorf("expected 3 batches, got %d", batches)
	}
	if len(keys) != 250 {
		t.Errorf("expected 250 distinct records, got %d", len(keys))
	}
	if p.Total() != 250 {
		t.Errorf("expected total 250, got %d", p.Total())
	}
	if p.Pages() != 3 {
		t.Errorf("expected 3 pages, got %d", p.Pages())
	}
	if requests != 3 {
		t.Errorf("expected 3 requests (null cursor ends the walk), got %d", requests)
	}
	if p.Capped() {
		t.Error("walk should not report capped")
	}
}

func TestPaginatorThreadsCursorIntoParams(t *testing.T) {
	var second map[string][]string
	calls := 0
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(http.StatusOK, envelope(t,
				contributions(t, 0, 2),
				map[string]any{"last_indexes": map[string]any{
					"last_index":                     "sub-0001",
					"last_contribution_receipt_date": "2024-06-30",
				}},
			)), nil
		}
		second = req.URL.Query()
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{PageSize: 2, Retry: fastRetry, Logger: discardLogger()})
	for p.Next(context.Background()) {
	}
	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	if got := second["last_index"]; len(got) != 1 || got[0] != "sub-0001" {
		t.Errorf("expected cursor last_index=sub-0001 on second request, got %v", got)
	}
	if got := second["last_contribution_receipt_date"]; len(got) != 1 || got[0] != "2024-06-30" {
		t.Errorf("expected cursor date on second request, got %v", got)
	}
	if got := second["per_page"]; len(got) != 1 || got[0] != "2" {
		t.Errorf("expected per_page to survive cursor merge, got %v", got)
	}
	if got := second["sort"]; len(got) != 1 || got[0] != "contribution_receipt_date" {
		t.Errorf("expected sort to survive cursor merge, got %v", got)
	}
	if got := second["two_year_transaction_period"]; len(got) != 1 {
		t.Errorf("expected static params to survive cursor merge, got %v", got)
	}
}

func TestPaginatorPreservesWideNumericCursor(t *testing.T) {
	var second map[string][]string
	calls := 0
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(http.StatusOK, envelope(t,
				contributions(t, 0, 1),
				map[string]any{"last_indexes": map[string]any{
					"last_index": int64(4081320231231380075),
				}},
			)), nil
		}
		second = req.URL.Query()
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	for p.Next(context.Background()) {
	}
	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	// sub_id cursors exceed 2^53; a float64 round trip would end in zeros.
	if got := second["last_index"]; len(got) != 1 || got[0] != "4081320231231380075" {
		t.Errorf("expected cursor last_index=4081320231231380075 on second request, got %v", got)
	}
}

func TestPaginatorEmptyFirstPage(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected no batches from an empty collection")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("empty collection is not an error: %v", err)
	}
	if p.Pages() != 1 {
		t.Errorf("expected 1 page fetched, got %d", p.Pages())
	}
	if p.Total() != 0 {
		t.Errorf("expected 0 records, got %d", p.Total())
	}
}

func TestPaginatorEmptyObjectCursorEndsWalk(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(http.StatusOK, envelope(t,
			contributions(t, 0, 2),
			map[string]any{"last_indexes": map[string]any{}},
		)), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if !p.Next(context.Background()) {
		t.Fatalf("expected final batch to be yielded, err=%v", p.Err())
	}
	if len(p.Batch()) != 2 {
		t.Errorf("expected 2 records in final batch, got %d", len(p.Batch()))
	}
	if p.Next(context.Background()) {
		t.Fatal("expected walk to end after exhausted cursor")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("exhausted cursor is not an error: %v", err)
	}
	if requests != 1 {
		t.Errorf("expected exactly 1 request, got %d", requests)
	}
}

func TestPaginatorMissingCursorIsFatal(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(http.StatusOK, envelope(t,
			contributions(t, 0, 2),
			map[string]any{"count": 2, "pages": 1},
		)), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected walk to fail on missing cursor")
	}

	var protocolErr *ProtocolError
	if !errors.As(p.Err(), &protocolErr) {
		t.Fatalf("expected ProtocolError, got %v", p.Err())
	}
	if requests != 1 {
		t.Errorf("protocol violations must not be retried, got %d requests", requests)
	}
}

func TestPaginatorMissingPaginationIsFatal(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(t, contributions(t, 0, 2), nil)), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected walk to fail without a pagination envelope")
	}
	var protocolErr *ProtocolError
	if !errors.As(p.Err(), &protocolErr) {
		t.Fatalf("expected ProtocolError, got %v", p.Err())
	}
}

func TestPaginatorMalformedCursorIsFatal(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(t,
			contributions(t, 0, 1),
			map[string]any{"last_indexes": "not-an-object"},
		)), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected walk to fail on malformed cursor")
	}
	var protocolErr *ProtocolError
	if !errors.As(p.Err(), &protocolErr) {
		t.Fatalf("expected ProtocolError, got %v", p.Err())
	}
}

func TestPaginatorRetriesTransientFailures(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		if requests < 3 {
			return jsonResponse(http.StatusServiceUnavailable, "try later"), nil
		}
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected empty collection after retries")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("expected recovery after transient failures, got %v", err)
	}
	if requests != 3 {
		t.Errorf("expected 3 attempts, got %d", requests)
	}
}

func TestPaginatorRetryBudgetExhausted(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(http.StatusTooManyRequests, "slow down"), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected walk to fail once the retry budget is spent")
	}

	var statusErr *StatusError
	if !errors.As(p.Err(), &statusErr) {
		t.Fatalf("expected wrapped StatusError, got %v", p.Err())
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", statusErr.StatusCode)
	}
	if requests != fastRetry.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", fastRetry.MaxAttempts, requests)
	}
}

func TestPaginatorDoesNotRetryClientErrors(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(http.StatusForbidden, `{"error":"bad api key"}`), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	if p.Next(context.Background()) {
		t.Fatal("expected walk to fail on a client error")
	}
	var statusErr *StatusError
	if !errors.As(p.Err(), &statusErr) {
		t.Fatalf("expected StatusError, got %v", p.Err())
	}
	if requests != 1 {
		t.Errorf("client errors must not be retried, got %d requests", requests)
	}
}

func TestPaginatorPageModeWalk(t *testing.T) {
	var seenPages []string
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		pageParam := req.URL.Query().Get("page")
		seenPages = append(seenPages, pageParam)
		results := []map[string]any{
			{"committee_id": "C00" + pageParam, "load_date": "2024-07-01T10:00:00"},
		}
		return jsonResponse(http.StatusOK, envelope(t, results,
			map[string]any{"count": 2, "pages": 2},
		)), nil
	})

	p := NewPaginator(client, committeesSource(t), Options{Retry: fastRetry, Logger: discardLogger()})

	var keys []string
	for p.Next(context.Background()) {
		for _, rec := range p.Batch() {
			keys = append(keys, rec.Key)
		}
	}
	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	if len(seenPages) != 2 || seenPages[0] != "1" || seenPages[1] != "2" {
		t.Errorf("expected pages 1 and 2 to be requested, got %v", seenPages)
	}
	if len(keys) != 2 || keys[0] != "C001" || keys[1] != "C002" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestPaginatorPageCap(t *testing.T) {
	var requests int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(http.StatusOK, envelope(t,
			contributions(t, requests*10, 2),
			map[string]any{"count": 1000, "pages": 500, "last_indexes": map[string]any{
				"last_index": fmt.Sprintf("sub-%04d", requests*10+1),
			}},
		)), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{MaxPages: 2, Retry: fastRetry, Logger: discardLogger()})

	batches := 0
	for p.Next(context.Background()) {
		batches++
	}
	if err := p.Err(); err != nil {
		t.Fatalf("capped walk is not an error: %v", err)
	}
	if batches != 2 {
		t.Errorf("expected 2 batches, got %d", batches)
	}
	if requests != 2 {
		t.Errorf("expected the cap to stop fetching, got %d requests", requests)
	}
	if !p.Capped() {
		t.Error("expected the walk to report capped")
	}
}

func TestPaginatorFirstRunOmitsFilter(t *testing.T) {
	var captured map[string][]string
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		captured = req.URL.Query()
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	p := NewPaginator(client, scheduleASource(t), Options{Retry: fastRetry, Logger: discardLogger()})
	for p.Next(context.Background()) {
	}
	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if _, ok := captured["min_load_date"]; ok {
		t.Error("first run must not send a lower-bound filter")
	}
}

func TestPaginatorAppliesWatermarkFilter(t *testing.T) {
	var captured map[string][]string
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		captured = req.URL.Query()
		return jsonResponse(http.StatusOK, envelope(t, nil, map[string]any{"last_indexes": nil})), nil
	})

	mark := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	p := NewPaginator(client, scheduleASource(t), Options{After: &mark, Retry: fastRetry, Logger: discardLogger()})
	for p.Next(context.Background()) {
	}
	if err := p.Err(); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	got := captured["min_load_date"]
	if len(got) != 1 || got[0] != "2024-07-01T12:00:01" {
		t.Errorf("expected strictly-after bound 2024-07-01T12:00:01, got %v", got)
	}
}

func TestDecodeRecordsMissingMergeKey(t *testing.T) {
	src := scheduleASource(t)
	raws := []json.RawMessage{
		json.RawMessage(`{"sub_id":"sub-1","load_date":"2024-07-01T10:00:00"}`),
		json.RawMessage(`{"load_date":"2024-07-01T10:00:00"}`),
	}

	_, err := decodeRecords(raws, src)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("expected ProtocolError for missing merge key, got %v", err)
	}
}

func TestDecodeRecordsToleratesBadDates(t *testing.T) {
	src := scheduleASource(t)
	raws := []json.RawMessage{
		json.RawMessage(`{"sub_id":"sub-1","load_date":"garbage"}`),
		json.RawMessage(`{"sub_id":"sub-2"}`),
		json.RawMessage(`{"sub_id":"sub-3","load_date":"2024-07-01"}`),
	}

	records, err := decodeRecords(raws, src)
	if err != nil {
		t.Fatalf("decodeRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if !records[0].IndexedAt.IsZero() || !records[1].IndexedAt.IsZero() {
		t.Error("unparseable dates should leave the indexed time zero")
	}
	if records[2].IndexedAt.IsZero() {
		t.Error("bare dates should parse")
	}
}

func TestDecodeRecordsNumericMergeKey(t *testing.T) {
	src := scheduleASource(t)
	records, err := decodeRecords([]json.RawMessage{
		json.RawMessage(`{"sub_id":4090420241234,"load_date":"2024-07-01T10:00:00"}`),
		json.RawMessage(`{"sub_id":4081320231231380075,"load_date":"2024-07-01T10:00:00"}`),
	}, src)
	if err != nil {
		t.Fatalf("decodeRecords: %v", err)
	}
	if records[0].Key != "4090420241234" {
		t.Errorf("expected numeric key formatted without exponent, got %q", records[0].Key)
	}
	if records[1].Key != "4081320231231380075" {
		t.Errorf("expected the full 19-digit key, got %q", records[1].Key)
	}
}

func TestParseIndexedDate(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"2024-07-01T10:00:00+00:00", time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC), true},
		{"2024-07-01T10:00:00", time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC), true},
		{"2024-07-01", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), true},
		{"garbage", time.Time{}, false},
		{"", time.Time{}, false},
	}

	for _, tt := range tests {
		got, ok := parseIndexedDate(tt.raw)
		if ok != tt.ok {
			t.Errorf("parseIndexedDate(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("parseIndexedDate(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := &Paginator{retry: RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  300 * time.Millisecond,
	}}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}
	for i, expected := range want {
		if got := p.backoff(i + 1); got != expected {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := &Paginator{retry: RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
		Jitter:      true,
	}}

	for i := 0; i < 50; i++ {
		got := p.backoff(2)
		if got < 200*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [200ms,300ms]", got)
		}
	}
}

func TestBackoffDeepAttemptStaysClamped(t *testing.T) {
	p := &Paginator{retry: RetryPolicy{
		MaxAttempts: 64,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		Jitter:      true,
	}}

	// Attempts this deep used to overflow the duration and panic in the
	// jitter draw.
	for _, attempt := range []int{36, 40, 63} {
		got := p.backoff(attempt)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("backoff(%d) = %v, want within [8s,12s]", attempt, got)
		}
	}
}

func TestFilterValue(t *testing.T) {
	mark := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	if got := filterValue(mark); got != "2025-01-01T00:00:00" {
		t.Errorf("expected rollover to 2025-01-01T00:00:00, got %q", got)
	}
}
