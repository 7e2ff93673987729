// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/campfin/fecingest/internal/domain"
	"github.com/campfin/fecingest/internal/repository"
)

type RunReader interface {
	GetRun(ctx context.Context, runID int64) (domain.RunRecord, error)
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]domain.RunRecord, error)
}

type WatermarkReader interface {
	List(ctx context.Context) ([]domain.Watermark, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
