package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

const (
	pipelineCacheKey     = "pipeline:overview"
	pipelineCachePattern = "pipeline:*"
)

type pipelineStore interface {
	PipelineOverview(ctx context.Context) ([]models.StageSummary, error)
}

// PipelineService serves the per-stage pipeline overview.
type PipelineService struct {
	store  pipelineStore
	cache  *CacheService
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewPipelineService constructs the service. cache may be nil.
func NewPipelineService(store pipelineStore, cache *CacheService, ttl time.Duration, logger *zap.Logger) *PipelineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineService{store: store, cache: cache, ttl: ttl, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Overview returns count and total value for every stage, zero-filled, and
// whether it was served from cache.
func (s *PipelineService) Overview(ctx context.Context) (*models.PipelineOverview, bool, error) {
	var cached models.PipelineOverview
	if s.cache.Get(ctx, pipelineCacheKey, &cached) {
		return &cached, true, nil
	}

	rows, err := s.store.PipelineOverview(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pipeline overview")
	}

	overview := &models.PipelineOverview{
		Stages:      make(map[models.DealStage]models.StageSummary, len(models.AllStages)),
		GeneratedAt: s.now(),
	}
	for _, stage := range models.AllStages {
		overview.Stages[stage] = models.StageSummary{Stage: stage, TotalValue: decimal.Zero}
	}
	for _, row := range rows {
		if !row.Stage.Valid() {
			s.logger.Warn("ignoring unknown stage in pipeline overview", zap.String("stage", string(row.Stage)))
			continue
		}
		overview.Stages[row.Stage] = row
	}

	s.cache.Set(ctx, pipelineCacheKey, overview, s.ttl)
	return overview, false, nil
}

// Invalidate drops the cached overview.
func (s *PipelineService) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, pipelineCachePattern)
}
