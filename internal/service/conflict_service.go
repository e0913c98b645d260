package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

type conflictReader interface {
	GetByID(ctx context.Context, id string) (*models.ConflictRecord, error)
	List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, int, error)
}

type pipelineInvalidator interface {
	Invalidate(ctx context.Context)
}

// ConflictService exposes conflict listing and resolution.
type ConflictService struct {
	uow      UnitOfWork
	reader   conflictReader
	resolver *ConflictResolver
	policies ConflictPolicies
	audit    *AuditService
	pipeline pipelineInvalidator
	metrics  *MetricsService
	reports  map[string]documentRenderer
	logger   *zap.Logger
}

// ConflictServiceOption configures the service.
type ConflictServiceOption func(*ConflictService)

// WithConflictPolicies overrides the default policies.
func WithConflictPolicies(policies ConflictPolicies) ConflictServiceOption {
	return func(s *ConflictService) {
		if policies != nil {
			s.policies = policies
		}
	}
}

// WithConflictPipeline invalidates the pipeline overview after deals are superseded.
func WithConflictPipeline(p pipelineInvalidator) ConflictServiceOption {
	return func(s *ConflictService) {
		s.pipeline = p
	}
}

// WithConflictMetrics records resolution metrics.
func WithConflictMetrics(m *MetricsService) ConflictServiceOption {
	return func(s *ConflictService) {
		s.metrics = m
	}
}

// NewConflictService constructs the service.
func NewConflictService(uow UnitOfWork, reader conflictReader, resolver *ConflictResolver, audit *AuditService, logger *zap.Logger, opts ...ConflictServiceOption) *ConflictService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = NewConflictResolver(logger)
	}
	svc := &ConflictService{
		uow:      uow,
		reader:   reader,
		resolver: resolver,
		policies: DefaultConflictPolicies(),
		audit:    audit,
		reports:  defaultRenderers(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Policies returns the active policy map.
func (s *ConflictService) Policies() ConflictPolicies {
	return s.policies
}

// List returns conflicts matching the filter.
func (s *ConflictService) List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, *models.Pagination, error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown conflict status %q", status))
		}
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown conflict type %q", filter.Type))
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	records, total, err := s.reader.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list conflicts")
	}
	if records == nil {
		records = []models.ConflictRecord{}
	}
	return records, &models.Pagination{Page: filter.Offset/filter.Limit + 1, PageSize: filter.Limit, TotalCount: total}, nil
}

// Get returns one conflict.
func (s *ConflictService) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	rec, err := s.reader.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "conflict", id)
	}
	return rec, nil
}

// Resolve applies a strategy to a conflict. With no strategy the configured
// policy of the conflict type decides. TIER_BASED and FIRST_TO_REGISTER only
// supersede a deal when both the policy and the record allow auto-resolution;
// otherwise the conflict escalates.
func (s *ConflictService) Resolve(ctx context.Context, id string, strategy *models.ResolutionStrategy, actor models.Actor) (*Resolution, error) {
	if strategy != nil && !strategy.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown resolution strategy %q", *strategy))
	}
	return s.run(ctx, id, actor, func(rec *models.ConflictRecord) resolveRequest {
		policy := s.policies.For(rec.ConflictType)
		chosen := policy.Strategy
		if strategy != nil {
			chosen = *strategy
		}
		if chosen != models.StrategyManual && (!policy.AutoResolve || !rec.AutoResolve) {
			return resolveRequest{
				Strategy: models.StrategyManual,
				Notes:    fmt.Sprintf("auto-resolution is disabled for %s conflicts", rec.ConflictType),
				Actor:    actor,
			}
		}
		return resolveRequest{Strategy: chosen, Actor: actor}
	})
}

// ResolveManually records an administrator's choice of winner.
func (s *ConflictService) ResolveManually(ctx context.Context, id, winningDealID, notes string, actor models.Actor) (*Resolution, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can decide conflicts")
	}
	winningDealID = strings.TrimSpace(winningDealID)
	if winningDealID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "winningDealId is required")
	}
	return s.run(ctx, id, actor, func(*models.ConflictRecord) resolveRequest {
		return resolveRequest{
			Strategy: models.StrategyManual,
			WinnerID: winningDealID,
			Notes:    strings.TrimSpace(notes),
			Actor:    actor,
		}
	})
}

func (s *ConflictService) run(ctx context.Context, id string, actor models.Actor, build func(*models.ConflictRecord) resolveRequest) (*Resolution, error) {
	batch := newAuditBatch(ctx, actor)
	var result *Resolution
	err := s.uow.Within(ctx, func(ctx context.Context, st Stores) error {
		batch.reset()
		rec, err := st.Conflicts.GetByID(ctx, id)
		if err != nil {
			return mapStoreError(err, "conflict", id)
		}
		a, err := st.Deals.GetByID(ctx, rec.DealAID)
		if err != nil {
			return mapStoreError(err, "deal", rec.DealAID)
		}
		b, err := st.Deals.GetByID(ctx, rec.DealBID)
		if err != nil {
			return mapStoreError(err, "deal", rec.DealBID)
		}
		if err := st.Locks.LockKeys(ctx, dealLockKeys(a, b)...); err != nil {
			return err
		}
		locked, err := st.Conflicts.GetForUpdate(ctx, id)
		if err != nil {
			return mapStoreError(err, "conflict", id)
		}

		ws := newDealWorkspace(st)
		result, err = s.resolver.resolve(ctx, ws, locked, build(locked), batch)
		if err != nil {
			return err
		}
		return ws.flush(ctx)
	})
	if err != nil {
		err = mapStoreError(err, "conflict", id)
		s.recordFailure(ctx, id, actor, batch, err)
		return nil, err
	}

	s.audit.Publish(batch.entries...)
	batch.report(s.metrics)
	if batch.pipelineChanged && s.pipeline != nil {
		s.pipeline.Invalidate(ctx)
	}
	return result, nil
}

func (s *ConflictService) recordFailure(ctx context.Context, id string, actor models.Actor, batch *auditBatch, err error) {
	appErr := appErrors.FromError(err)
	s.metrics.RecordTransitionFailure("resolve_conflict", appErr.Code)
	if appErr.Code == appErrors.ErrNotFound.Code {
		return
	}
	if appErr.Status >= 500 {
		s.logger.Error("conflict resolution failed", zap.String("conflict_id", id), zap.Error(err))
	}
	entry := batch.entry(models.AuditConflictResolved, models.AuditEntityConflict, id, appErr.Message, nil,
		map[string]interface{}{"errorCode": appErr.Code})
	s.audit.RecordFailure(ctx, entry)
}
