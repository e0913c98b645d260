package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

const ruleSetPublishLock = "scoring:publish"

type ruleSetReader interface {
	ActiveRuleSet(ctx context.Context) (*models.RuleSet, error)
	RuleSetByVersion(ctx context.Context, version int) (*models.RuleSet, error)
}

// RuleSetService manages versioned scoring rule sets.
type RuleSetService struct {
	uow       UnitOfWork
	reader    ruleSetReader
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewRuleSetService constructs the service.
func NewRuleSetService(uow UnitOfWork, reader ruleSetReader, audit *AuditService, logger *zap.Logger) *RuleSetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleSetService{uow: uow, reader: reader, audit: audit, validator: NewValidator(), logger: logger}
}

// Active returns the latest published rule set.
func (s *RuleSetService) Active(ctx context.Context) (*models.RuleSet, error) {
	set, err := s.reader.ActiveRuleSet(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load scoring rules")
	}
	return set, nil
}

// Version returns a historic rule set so earlier scores can be explained.
func (s *RuleSetService) Version(ctx context.Context, version int) (*models.RuleSet, error) {
	if version <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "version must be positive")
	}
	set, err := s.reader.RuleSetByVersion(ctx, version)
	if err != nil {
		return nil, mapStoreError(err, "rule set", fmt.Sprintf("v%d", version))
	}
	return set, nil
}

// Publish stores the rules as the next rule set version. Deals already scored
// keep the version they were scored with.
func (s *RuleSetService) Publish(ctx context.Context, req dto.PublishRuleSetRequest, actor models.Actor) (*models.RuleSet, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can publish scoring rules")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, invalidPayload(err)
	}

	set := &models.RuleSet{PublishedBy: actor.ID, Rules: make([]models.ScoringRule, len(req.Rules))}
	for i, in := range req.Rules {
		active := true
		if in.Active != nil {
			active = *in.Active
		}
		params := types.JSONText("{}")
		if len(in.Params) > 0 {
			params = types.JSONText(in.Params)
		}
		set.Rules[i] = models.ScoringRule{
			Name:     strings.TrimSpace(in.Name),
			Category: models.ScoringRuleCategory(strings.ToUpper(in.Category)),
			Weight:   in.Weight,
			Active:   active,
			Params:   params,
		}
	}
	if err := ValidateRuleSet(set.Rules); err != nil {
		return nil, err
	}

	batch := newAuditBatch(ctx, actor)
	err := s.uow.Within(ctx, func(ctx context.Context, st Stores) error {
		batch.reset()
		if err := st.Locks.LockKeys(ctx, ruleSetPublishLock); err != nil {
			return err
		}
		if err := st.Rules.PublishRuleSet(ctx, set); err != nil {
			return err
		}
		return batch.add(ctx, st.Audit, models.AuditRuleSetPublished, models.AuditEntityRuleSet,
			fmt.Sprintf("v%d", set.Version), "", nil, set)
	})
	if err != nil {
		s.logger.Error("failed to publish scoring rule set", zap.Error(err))
		return nil, mapStoreError(err, "rule set", "")
	}

	s.audit.Publish(batch.entries...)
	s.logger.Info("scoring rule set published", zap.Int("version", set.Version), zap.Int("rules", len(set.Rules)))
	return set, nil
}
