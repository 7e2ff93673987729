// SPDX-License-Identifier: Apache-2.0

// Package metrics registers and exposes Prometheus instrumentation for the
// ingest pipeline and operator API.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campfin/fecingest/internal/domain"
)

var (
	initOnce sync.Once

	runsTotal       *prometheus.CounterVec
	pagesFetched    *prometheus.CounterVec
	recordsLoaded   *prometheus.CounterVec
	upstreamRetries *prometheus.CounterVec

	pageFetchDuration prometheus.Histogram
	batchLoadDuration prometheus.Histogram
	runDuration       *prometheus.HistogramVec
)

// Init registers all collectors on the default registry. Safe to call from
// multiple entrypoints; registration happens once.
func Init() {
	initOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fecingest_runs_total",
				Help: "Finalized ingest runs by source and terminal status.",
			},
			[]string{"source", "status"},
		)

		pagesFetched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fecingest_pages_fetched_total",
				Help: "Upstream pages fetched successfully by source.",
			},
			[]string{"source"},
		)

		recordsLoaded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fecingest_records_loaded_total",
				Help: "Records written to the raw layer by source.",
			},
			[]string{"source"},
		)

		upstreamRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fecingest_upstream_retries_total",
				Help: "Transient upstream failures that triggered a retry.",
			},
			[]string{"source"},
		)

		pageFetchDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fecingest_page_fetch_duration_seconds",
				Help:    "Latency of individual upstream page fetches.",
				Buckets: prometheus.DefBuckets,
			},
		)

		batchLoadDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fecingest_batch_load_duration_seconds",
				Help:    "Latency of raw-layer batch loads.",
				Buckets: prometheus.DefBuckets,
			},
		)

		runDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fecingest_run_duration_seconds",
				Help:    "End-to-end duration of ingest runs by source.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"source"},
		)

		prometheus.MustRegister(
			runsTotal,
			pagesFetched,
			recordsLoaded,
			upstreamRetries,
			pageFetchDuration,
			batchLoadDuration,
			runDuration,
		)

		// Pre-create label combinations so dashboards see zeroes instead
		// of absent series.
		for _, src := range domain.BuiltinSources() {
			for _, status := range []domain.RunStatus{domain.RunSucceeded, domain.RunFailed} {
				runsTotal.WithLabelValues(src.Name, string(status))
			}
			pagesFetched.WithLabelValues(src.Name)
			recordsLoaded.WithLabelValues(src.Name)
			upstreamRetries.WithLabelValues(src.Name)
			runDuration.WithLabelValues(src.Name)
		}
	})
}

// IncRunStatus counts a finalized run.
func IncRunStatus(source string, status domain.RunStatus) {
	Init()
	runsTotal.WithLabelValues(source, string(status)).Inc()
}

// IncPagesFetched counts one successfully fetched page.
func IncPagesFetched(source string) {
	Init()
	pagesFetched.WithLabelValues(source).Inc()
}

// AddRecordsLoaded counts records written to the raw layer.
func AddRecordsLoaded(source string, n int64) {
	Init()
	recordsLoaded.WithLabelValues(source).Add(float64(n))
}

// IncUpstreamRetries counts a transient failure that will be retried.
func IncUpstreamRetries(source string) {
	Init()
	upstreamRetries.WithLabelValues(source).Inc()
}

// ObservePageFetchDuration records the latency of one page fetch attempt.
func ObservePageFetchDuration(d time.Duration) {
	Init()
	pageFetchDuration.Observe(d.Seconds())
}

// ObserveBatchLoadDuration records the latency of one raw-layer batch write.
func ObserveBatchLoadDuration(d time.Duration) {
	Init()
	batchLoadDuration.Observe(d.Seconds())
}

// ObserveRunDuration records the wall-clock duration of a finished run.
func ObserveRunDuration(source string, d time.Duration) {
	Init()
	runDuration.WithLabelValues(source).Observe(d.Seconds())
}
