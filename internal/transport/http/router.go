// SPDX-License-Identifier: Apache-2.0

// Package httptransport exposes the operator API: health, metrics, version,
// and read-only views over the run-control table.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/metrics"
	"github.com/campfin/fecingest/internal/repository"
	"github.com/campfin/fecingest/internal/transport/middleware"
)

type Deps struct {
	Runs       RunReader
	Watermarks WatermarkReader
	Health     HealthChecker
	Logger     *slog.Logger
	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RUN AUDIT TRAIL ----------------

	r.Group(func(r chi.Router) {
		if deps.AdminToken != "" {
			r.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))
		}

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			filter := repository.RunFilter{
				Source:   strings.TrimSpace(r.URL.Query().Get("source")),
				Endpoint: strings.TrimSpace(r.URL.Query().Get("endpoint")),
			}
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				limit, err := strconv.Atoi(raw)
				if err != nil || limit <= 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				filter.Limit = limit
			}

			runs, err := deps.Runs.ListRuns(r.Context(), filter)
			if err != nil {
				logger.Error("list runs failed", "error", err)
				http.Error(w, "failed to list runs", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				Runs []domain.RunRecord `json:"runs"`
			}{Runs: runs})
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			runID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil || runID <= 0 {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return
			}

			run, err := deps.Runs.GetRun(r.Context(), runID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					logger.Warn("run not found", "run_id", runID)
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}

				logger.Error("get run failed", "run_id", runID, "error", err)
				http.Error(w, "failed to get run", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, run)
		})

		r.Get("/watermarks", func(w http.ResponseWriter, r *http.Request) {
			marks, err := deps.Watermarks.List(r.Context())
			if err != nil {
				logger.Error("list watermarks failed", "error", err)
				http.Error(w, "failed to list watermarks", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				Watermarks []domain.Watermark `json:"watermarks"`
			}{Watermarks: marks})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
