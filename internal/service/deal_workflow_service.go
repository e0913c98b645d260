package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

type dealReader interface {
	GetByID(ctx context.Context, id string) (*models.Deal, error)
	List(ctx context.Context, filter models.DealFilter) ([]models.Deal, int, error)
}

type gateReader interface {
	ListByDeal(ctx context.Context, dealID string) ([]models.DealGateApproval, error)
}

// DealWorkflowService drives deals through their lifecycle. Every operation
// runs in one transaction that also writes its audit entries.
type DealWorkflowService struct {
	uow        UnitOfWork
	deals      dealReader
	gates      gateReader
	audit      *AuditService
	scoring    *ScoringEngine
	detector   *ConflictDetector
	resolver   *ConflictResolver
	approvals  *ApprovalPolicy
	commission *CommissionCalculator
	pipeline   pipelineInvalidator
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// DealWorkflowOption configures the service.
type DealWorkflowOption func(*DealWorkflowService)

// WithScoringEngine overrides the scoring engine.
func WithScoringEngine(engine *ScoringEngine) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if engine != nil {
			s.scoring = engine
		}
	}
}

// WithConflictDetector overrides the conflict detector.
func WithConflictDetector(detector *ConflictDetector) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if detector != nil {
			s.detector = detector
		}
	}
}

// WithConflictResolver overrides the resolver used when deals leave the pipeline.
func WithConflictResolver(resolver *ConflictResolver) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if resolver != nil {
			s.resolver = resolver
		}
	}
}

// WithApprovalPolicy overrides the approval gates.
func WithApprovalPolicy(policy *ApprovalPolicy) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if policy != nil {
			s.approvals = policy
		}
	}
}

// WithCommissionCalculator overrides commission pricing.
func WithCommissionCalculator(calc *CommissionCalculator) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if calc != nil {
			s.commission = calc
		}
	}
}

// WithWorkflowPipeline invalidates the pipeline overview after committed changes.
func WithWorkflowPipeline(p pipelineInvalidator) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		s.pipeline = p
	}
}

// WithWorkflowMetrics records transition metrics.
func WithWorkflowMetrics(m *MetricsService) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		s.metrics = m
	}
}

// WithWorkflowClock overrides the time source.
func WithWorkflowClock(now func() time.Time) DealWorkflowOption {
	return func(s *DealWorkflowService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDealWorkflowService constructs the service with default engine components.
func NewDealWorkflowService(uow UnitOfWork, deals dealReader, gates gateReader, audit *AuditService, logger *zap.Logger, opts ...DealWorkflowOption) *DealWorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &DealWorkflowService{
		uow:        uow,
		deals:      deals,
		gates:      gates,
		audit:      audit,
		scoring:    NewScoringEngine(defaultNeutralScore, logger),
		detector:   NewConflictDetector(DefaultConflictPolicies(), logger),
		resolver:   NewConflictResolver(logger),
		approvals:  NewApprovalPolicy(defaultExecutiveThreshold),
		commission: NewCommissionCalculator(nil),
		validator:  NewValidator(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// RegisterDeal validates and stores a new SUBMITTED deal, then runs conflict detection.
func (s *DealWorkflowService) RegisterDeal(ctx context.Context, req dto.RegisterDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	deal, err := s.newDeal(req, actor)
	if err != nil {
		s.metrics.RecordTransitionFailure("register", appErrors.FromError(err).Code)
		return nil, err
	}

	batch := newAuditBatch(ctx, actor)
	var result *dto.TransitionResult
	err = s.uow.Within(ctx, func(ctx context.Context, st Stores) error {
		batch.reset()
		registered := deal.Clone()

		partner, err := st.Partners.GetByID(ctx, registered.PartnerID)
		if err != nil {
			return mapStoreError(err, "partner", registered.PartnerID)
		}
		if partner.Status != models.PartnerActive {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("partner %s is %s and cannot register deals", partner.ID, partner.Status))
		}

		if err := st.Locks.LockKeys(ctx, dealLockKeys(registered)...); err != nil {
			return err
		}
		if err := st.Deals.Create(ctx, registered); err != nil {
			return err
		}
		if err := batch.add(ctx, st.Audit, models.AuditDealRegistered, models.AuditEntityDeal, registered.ID, "", nil, registered); err != nil {
			return err
		}
		batch.pipelineChanged = true

		ws := newDealWorkspace(st)
		ws.adopt(registered)
		conflicts, err := s.detector.detect(ctx, ws, registered, batch)
		if err != nil {
			return err
		}
		if err := ws.flush(ctx); err != nil {
			return err
		}
		result = &dto.TransitionResult{Deal: registered, Conflicts: conflicts}
		return nil
	})
	if err != nil {
		err = mapStoreError(err, "deal", deal.ID)
		s.metrics.RecordTransitionFailure("register", appErrors.FromError(err).Code)
		return nil, err
	}

	s.afterCommit(ctx, batch)
	s.logger.Info("deal registered",
		zap.String("deal_id", result.Deal.ID),
		zap.String("partner_id", result.Deal.PartnerID),
		zap.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

func (s *DealWorkflowService) newDeal(req dto.RegisterDealRequest, actor models.Actor) (*models.Deal, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, invalidPayload(err)
	}

	partnerID := strings.TrimSpace(req.PartnerID)
	if actor.Role == models.RolePartner {
		if actor.PartnerID == "" {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "partner user is not linked to a partner")
		}
		if partnerID != "" && partnerID != actor.PartnerID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "partners can only register their own deals")
		}
		partnerID = actor.PartnerID
	}
	if partnerID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "partnerId is required")
	}
	if !req.DealValue.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "dealValue must be greater than zero")
	}
	accountKey := models.NormalizeAccountKey(req.AccountName)
	if accountKey == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "accountName must contain letters or digits")
	}

	now := s.now()
	closeDate, err := time.Parse("2006-01-02", req.ExpectedCloseDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "expectedCloseDate must be formatted as YYYY-MM-DD")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !closeDate.After(today) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "expectedCloseDate must be in the future")
	}

	risk := models.RiskLevel(strings.ToUpper(req.RiskLevel))
	if risk == "" {
		risk = models.RiskLow
	}

	return &models.Deal{
		ID:                uuid.NewString(),
		PartnerID:         partnerID,
		AccountName:       strings.TrimSpace(req.AccountName),
		AccountKey:        accountKey,
		DealValue:         req.DealValue,
		Currency:          strings.ToUpper(req.Currency),
		Industry:          strings.TrimSpace(req.Industry),
		Territories:       models.NormalizeTags(req.Territories),
		ProductInterests:  models.NormalizeTags(req.ProductInterests),
		ExpectedCloseDate: &closeDate,
		Description:       strings.TrimSpace(req.Description),
		RiskLevel:         risk,
		Stage:             models.StageSubmitted,
		Status:            models.StatusUnderReview,
		CreatedAt:         now,
	}, nil
}

// GetDeal returns a deal with its gate status. Partners only see their own deals.
func (s *DealWorkflowService) GetDeal(ctx context.Context, id string, actor models.Actor) (*dto.DealDetail, error) {
	deal, err := s.deals.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "deal", id)
	}
	if !visibleTo(actor, deal) {
		return nil, appErrors.NewNotFoundError("deal", id)
	}
	approvals, err := s.gates.ListByDeal(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval gates")
	}
	return &dto.DealDetail{Deal: deal, Gates: s.approvals.Status(deal, approvals)}, nil
}

// ListDeals returns deals matching the query.
func (s *DealWorkflowService) ListDeals(ctx context.Context, query dto.DealQuery, actor models.Actor) ([]models.Deal, *models.Pagination, error) {
	for _, stage := range query.Stages {
		if !stage.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown stage %q", stage))
		}
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 || query.PageSize > 200 {
		query.PageSize = 50
	}
	filter := models.DealFilter{
		PartnerID: query.PartnerID,
		Stages:    query.Stages,
		Limit:     query.PageSize,
		Offset:    (query.Page - 1) * query.PageSize,
	}
	if actor.Role == models.RolePartner {
		filter.PartnerID = actor.PartnerID
	}
	deals, total, err := s.deals.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list deals")
	}
	if deals == nil {
		deals = []models.Deal{}
	}
	return deals, &models.Pagination{Page: query.Page, PageSize: query.PageSize, TotalCount: total}, nil
}

// AdvanceDealStage moves a deal along the forward path. WON and LOST delegate
// to CloseDeal, REJECTED to RejectDeal and SUBMITTED to ResubmitDeal.
func (s *DealWorkflowService) AdvanceDealStage(ctx context.Context, id string, req dto.AdvanceDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	target := models.DealStage(strings.ToUpper(strings.TrimSpace(req.TargetStage)))
	switch target {
	case models.StageWon, models.StageLost:
		return s.CloseDeal(ctx, id, dto.CloseDealRequest{Outcome: string(target), Reason: req.Reason, ExpectedVersion: req.ExpectedVersion}, actor)
	case models.StageRejected:
		return s.RejectDeal(ctx, id, dto.RejectDealRequest{Reason: req.Reason, ExpectedVersion: req.ExpectedVersion}, actor)
	case models.StageSubmitted:
		return s.ResubmitDeal(ctx, id, dto.ResubmitDealRequest{ExpectedVersion: req.ExpectedVersion}, actor)
	}

	return s.transition(ctx, transitionOp{
		name:            "advance",
		dealID:          id,
		actor:           actor,
		expectedVersion: req.ExpectedVersion,
		attempted:       map[string]interface{}{"requestedStage": string(target)},
		apply: func(ctx context.Context, tx *dealTx) error {
			if err := s.validator.Struct(req); err != nil {
				return invalidPayload(err)
			}
			if !target.Valid() {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown stage %q", req.TargetStage))
			}
			if actor.Role == models.RolePartner {
				return appErrors.Clone(appErrors.ErrForbidden, "partners cannot advance deals")
			}
			if next, ok := forwardEdges[tx.deal.Stage]; !ok || next != target {
				return appErrors.NewStageTransitionError(string(tx.deal.Stage), string(target))
			}
			switch target {
			case models.StageQualified:
				return s.qualify(ctx, tx)
			case models.StageInReview:
				return s.startReview(ctx, tx)
			}
			return s.approve(ctx, tx)
		},
	})
}

var forwardEdges = map[models.DealStage]models.DealStage{
	models.StageSubmitted: models.StageQualified,
	models.StageQualified: models.StageInReview,
	models.StageInReview:  models.StageApproved,
}

func (s *DealWorkflowService) qualify(ctx context.Context, tx *dealTx) error {
	deal := tx.deal
	partner, err := tx.st.Partners.GetByID(ctx, deal.PartnerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	ruleSet, err := tx.st.Rules.ActiveRuleSet(ctx)
	if err != nil {
		return err
	}

	score, err := s.scoring.Score(deal, partner, ruleSet)
	var missing *MissingScoringInputsError
	if errors.As(err, &missing) {
		if deal.Status != models.StatusNeedsInfo {
			before := deal.Clone()
			deal.Status = models.StatusNeedsInfo
			tx.ws.markDirty(deal.ID)
			if err := tx.batch.add(ctx, tx.st.Audit, models.AuditDealScored, models.AuditEntityDeal, deal.ID,
				missing.Error(), before, deal); err != nil {
				return err
			}
		}
		e := appErrors.Clone(appErrors.ErrValidation, "deal is missing information required for scoring")
		e.Details = map[string]interface{}{"missingFields": missing.Fields, "status": string(models.StatusNeedsInfo)}
		return &deferredError{err: e}
	}
	if err != nil {
		return err
	}

	before := deal.Clone()
	deal.Score = &score.Score
	deal.ScoreRuleVersion = &score.RuleSetVersion
	if err := tx.batch.add(ctx, tx.st.Audit, models.AuditDealScored, models.AuditEntityDeal, deal.ID,
		fmt.Sprintf("scored %d with rule set v%d", score.Score, score.RuleSetVersion), nil, score); err != nil {
		return err
	}
	deal.Stage = models.StageQualified
	deal.Status = models.StatusQualified
	tx.result.Score = &score
	if err := tx.changed(ctx, models.AuditDealQualified, "", before); err != nil {
		return err
	}
	return s.redetect(ctx, tx)
}

func (s *DealWorkflowService) startReview(ctx context.Context, tx *dealTx) error {
	before := tx.deal.Clone()
	tx.deal.Stage = models.StageInReview
	tx.deal.Status = models.StatusPendingApproval
	if err := tx.changed(ctx, models.AuditDealStageChanged, "", before); err != nil {
		return err
	}
	approvals, err := tx.st.Gates.ListByDeal(ctx, tx.deal.ID)
	if err != nil {
		return err
	}
	tx.result.Gates = s.approvals.Status(tx.deal, approvals)
	return s.redetect(ctx, tx)
}

// approve refreshes detection first so the block decision sees current
// severities. Pending gates are reported before conflict blocks. Refusals after
// that point still commit the detection results.
func (s *DealWorkflowService) approve(ctx context.Context, tx *dealTx) error {
	deal := tx.deal
	if err := s.redetect(ctx, tx); err != nil {
		return err
	}
	if deal.Stage != models.StageInReview {
		return &deferredError{err: appErrors.NewStageTransitionError(string(deal.Stage), string(models.StageApproved))}
	}
	if err := s.checkApprovalReady(ctx, tx, models.StageApproved); err != nil {
		var refusal *appErrors.Error
		if errors.As(err, &refusal) {
			return &deferredError{err: err}
		}
		return err
	}

	before := deal.Clone()
	deal.Stage = models.StageApproved
	deal.Status = models.StatusApproved
	deal.ScoreFrozen = true
	return tx.changed(ctx, models.AuditDealStageChanged, "", before)
}

// checkApprovalReady refuses target while any required gate is still pending
// or an open HIGH conflict blocks the deal.
func (s *DealWorkflowService) checkApprovalReady(ctx context.Context, tx *dealTx, target models.DealStage) error {
	deal := tx.deal
	approvals, err := tx.st.Gates.ListByDeal(ctx, deal.ID)
	if err != nil {
		return err
	}
	tx.result.Gates = s.approvals.Status(deal, approvals)
	if pending := s.approvals.Pending(deal, approvals); len(pending) > 0 {
		names := make([]string, len(pending))
		for i, g := range pending {
			names[i] = string(g)
		}
		e := appErrors.NewStageTransitionError(string(deal.Stage), string(target))
		e.Message = "approval gates pending: " + strings.Join(names, ", ")
		e.Details["pendingGates"] = names
		return e
	}

	blocking, err := s.detector.blocking(ctx, tx.ws, deal.ID)
	if err != nil {
		return err
	}
	if len(blocking) > 0 {
		return appErrors.NewConflictBlockedError(deal.ID, blocking)
	}
	return nil
}

func (s *DealWorkflowService) redetect(ctx context.Context, tx *dealTx) error {
	conflicts, err := s.detector.detect(ctx, tx.ws, tx.deal, tx.batch)
	if err != nil {
		return err
	}
	tx.result.Conflicts = append(tx.result.Conflicts, conflicts...)
	return nil
}

// RejectDeal moves a non-terminal deal to REJECTED with a mandatory reason.
func (s *DealWorkflowService) RejectDeal(ctx context.Context, id string, req dto.RejectDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	reason := strings.TrimSpace(req.Reason)
	return s.transition(ctx, transitionOp{
		name:            "reject",
		dealID:          id,
		actor:           actor,
		expectedVersion: req.ExpectedVersion,
		attempted:       map[string]interface{}{"requestedStage": string(models.StageRejected), "reason": reason},
		apply: func(ctx context.Context, tx *dealTx) error {
			if err := s.validator.Struct(req); err != nil {
				return invalidPayload(err)
			}
			if actor.Role == models.RolePartner {
				return appErrors.Clone(appErrors.ErrForbidden, "partners cannot reject deals")
			}
			if reason == "" {
				return appErrors.Clone(appErrors.ErrValidation, "a rejection reason is required")
			}
			return s.reject(ctx, tx, models.AuditDealRejected, reason)
		},
	})
}

func (s *DealWorkflowService) reject(ctx context.Context, tx *dealTx, action models.AuditAction, reason string) error {
	deal := tx.deal
	if deal.Stage.Terminal() || deal.Stage == models.StageRejected {
		return appErrors.NewStageTransitionError(string(deal.Stage), string(models.StageRejected))
	}
	before := deal.Clone()
	now := s.now()
	rejectedBy := tx.batch.actor.ID
	deal.Stage = models.StageRejected
	deal.Status = models.StatusRejected
	deal.RejectionReason = &reason
	deal.RejectedAt = &now
	deal.RejectedBy = &rejectedBy
	return tx.changed(ctx, action, reason, before)
}

// ResubmitDeal returns a rejected deal to SUBMITTED, clearing rejection
// metadata, score and gate decisions. The rejection stays in the audit trail.
func (s *DealWorkflowService) ResubmitDeal(ctx context.Context, id string, req dto.ResubmitDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	return s.transition(ctx, transitionOp{
		name:            "resubmit",
		dealID:          id,
		actor:           actor,
		expectedVersion: req.ExpectedVersion,
		attempted:       map[string]interface{}{"requestedStage": string(models.StageSubmitted)},
		apply: func(ctx context.Context, tx *dealTx) error {
			deal := tx.deal
			if deal.Stage != models.StageRejected {
				return appErrors.NewStageTransitionError(string(deal.Stage), string(models.StageSubmitted))
			}
			before := deal.Clone()
			reason := ""
			if deal.RejectionReason != nil {
				reason = "previously rejected: " + *deal.RejectionReason
			}
			deal.Stage = models.StageSubmitted
			deal.Status = models.StatusUnderReview
			deal.RejectionReason = nil
			deal.RejectedAt = nil
			deal.RejectedBy = nil
			deal.Score = nil
			deal.ScoreRuleVersion = nil
			deal.ScoreFrozen = false
			if err := tx.st.Gates.DeleteByDeal(ctx, deal.ID); err != nil {
				return err
			}
			if err := tx.changed(ctx, models.AuditDealResubmitted, reason, before); err != nil {
				return err
			}
			return s.redetect(ctx, tx)
		},
	})
}

// DecideGate records an approver's decision. A rejected gate rejects the deal.
func (s *DealWorkflowService) DecideGate(ctx context.Context, id, gate string, req dto.GateDecisionRequest, actor models.Actor) (*dto.TransitionResult, error) {
	in := GateDecisionInput{
		Gate:         models.ApprovalGate(strings.ToUpper(strings.TrimSpace(gate))),
		Decision:     models.GateDecision(strings.ToUpper(strings.TrimSpace(req.Decision))),
		Note:         strings.TrimSpace(req.Note),
		OverrideRate: req.OverrideRate,
	}
	return s.transition(ctx, transitionOp{
		name:   "gate",
		dealID: id,
		actor:  actor,
		attempted: map[string]interface{}{
			"gate":     string(in.Gate),
			"decision": string(in.Decision),
		},
		apply: func(ctx context.Context, tx *dealTx) error {
			if err := s.validator.Struct(req); err != nil {
				return invalidPayload(err)
			}
			if !in.Gate.Valid() {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown gate %q", gate))
			}
			approvals, err := tx.st.Gates.ListByDeal(ctx, tx.deal.ID)
			if err != nil {
				return err
			}
			if err := s.approvals.CheckDecision(tx.deal, in, actor, approvals); err != nil {
				return err
			}

			approval := &models.DealGateApproval{
				DealID:       tx.deal.ID,
				Gate:         in.Gate,
				Decision:     in.Decision,
				ActorID:      actor.ID,
				ActorRole:    actor.Role,
				OverrideRate: in.OverrideRate,
				DecidedAt:    s.now(),
			}
			if in.Note != "" {
				note := in.Note
				approval.Note = &note
			}
			if err := tx.st.Gates.Upsert(ctx, approval); err != nil {
				return err
			}
			if err := tx.batch.add(ctx, tx.st.Audit, models.AuditDealGateDecided, models.AuditEntityDeal, tx.deal.ID,
				in.Note, nil, approval); err != nil {
				return err
			}
			approvals = append(approvals, *approval)
			tx.result.Gates = s.approvals.Status(tx.deal, approvals)

			if in.Decision == models.DecisionRejected {
				return s.reject(ctx, tx, models.AuditDealRejected, fmt.Sprintf("%s rejected: %s", in.Gate, in.Note))
			}
			return nil
		},
	})
}

// CloseDeal closes a deal as WON (only from APPROVED, computing commission) or
// LOST (from any non-terminal stage, settling its open conflicts).
func (s *DealWorkflowService) CloseDeal(ctx context.Context, id string, req dto.CloseDealRequest, actor models.Actor) (*dto.TransitionResult, error) {
	outcome := models.DealStage(strings.ToUpper(strings.TrimSpace(req.Outcome)))
	reason := strings.TrimSpace(req.Reason)
	return s.transition(ctx, transitionOp{
		name:            "close",
		dealID:          id,
		actor:           actor,
		expectedVersion: req.ExpectedVersion,
		attempted:       map[string]interface{}{"requestedStage": string(outcome)},
		apply: func(ctx context.Context, tx *dealTx) error {
			if err := s.validator.Struct(req); err != nil {
				return invalidPayload(err)
			}
			switch outcome {
			case models.StageWon:
				if actor.Role == models.RolePartner {
					return appErrors.Clone(appErrors.ErrForbidden, "partners cannot close deals as won")
				}
				if tx.deal.Stage != models.StageApproved {
					return appErrors.NewStageTransitionError(string(tx.deal.Stage), string(outcome))
				}
				blocking, err := s.detector.blocking(ctx, tx.ws, tx.deal.ID)
				if err != nil {
					return err
				}
				if len(blocking) > 0 {
					return appErrors.NewConflictBlockedError(tx.deal.ID, blocking)
				}
				return s.closeWon(ctx, tx, models.AuditDealClosed, reason)
			case models.StageLost:
				if tx.deal.Stage.Terminal() {
					return appErrors.NewStageTransitionError(string(tx.deal.Stage), string(outcome))
				}
				return s.closeLost(ctx, tx, models.AuditDealClosed, reason)
			}
			return appErrors.Clone(appErrors.ErrValidation, "outcome must be WON or LOST")
		},
	})
}

func (s *DealWorkflowService) closeWon(ctx context.Context, tx *dealTx, action models.AuditAction, reason string) error {
	deal := tx.deal
	partner, err := tx.st.Partners.GetByID(ctx, deal.PartnerID)
	if err != nil {
		return mapStoreError(err, "partner", deal.PartnerID)
	}
	approvals, err := tx.st.Gates.ListByDeal(ctx, deal.ID)
	if err != nil {
		return err
	}
	commission := s.commission.Calculate(deal.DealValue, partner, s.approvals.ExecutiveOverride(approvals))

	before := deal.Clone()
	now := s.now()
	deal.Stage = models.StageWon
	deal.Status = models.StatusWon
	deal.ScoreFrozen = true
	deal.CommissionRate = &commission.Rate
	deal.CommissionAmount = &commission.Amount
	deal.CommissionComputedAt = &now
	deal.ClosedAt = &now
	if err := tx.changed(ctx, action, reason, before); err != nil {
		return err
	}
	return tx.batch.add(ctx, tx.st.Audit, models.AuditCommissionComputed, models.AuditEntityDeal, deal.ID,
		fmt.Sprintf("%s%% of %s", commission.Rate.String(), deal.DealValue.String()), nil, commission)
}

func (s *DealWorkflowService) closeLost(ctx context.Context, tx *dealTx, action models.AuditAction, reason string) error {
	deal := tx.deal
	before := deal.Clone()
	now := s.now()
	deal.Status = models.StatusWithdrawn
	if deal.Stage == models.StageApproved {
		deal.Status = models.StatusLost
	}
	deal.Stage = models.StageLost
	deal.ClosedAt = &now
	if err := tx.changed(ctx, action, reason, before); err != nil {
		return err
	}
	return s.resolver.release(ctx, tx.ws, deal, models.StrategyManual, tx.batch.actor, tx.batch)
}

// OverrideStage lets an administrator move a deal forward past intermediate
// stages, or out of the pipeline, with a mandatory reason. A rejected deal must
// be resubmitted before it can move forward again. Skipping SUBMITTED
// still scores the deal, and APPROVED or WON still need every required gate
// approved and no blocking conflict.
func (s *DealWorkflowService) OverrideStage(ctx context.Context, id string, req dto.OverrideStageRequest, actor models.Actor) (*dto.TransitionResult, error) {
	target := models.DealStage(strings.ToUpper(strings.TrimSpace(req.TargetStage)))
	reason := strings.TrimSpace(req.Reason)
	return s.transition(ctx, transitionOp{
		name:      "override",
		dealID:    id,
		actor:     actor,
		attempted: map[string]interface{}{"requestedStage": string(target), "reason": reason, "override": true},
		apply: func(ctx context.Context, tx *dealTx) error {
			if err := s.validator.Struct(req); err != nil {
				return invalidPayload(err)
			}
			deal := tx.deal
			if actor.Role != models.RoleAdmin {
				return appErrors.Clone(appErrors.ErrForbidden, "only administrators can override stages")
			}
			if reason == "" {
				return appErrors.Clone(appErrors.ErrValidation, "an override reason is required")
			}
			if !target.Valid() {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown stage %q", req.TargetStage))
			}
			exit := target == models.StageRejected || target == models.StageLost
			if deal.Stage.Terminal() || target == deal.Stage || (!exit && target.Rank() <= deal.Stage.Rank()) ||
				(!exit && deal.Stage == models.StageRejected) {
				return appErrors.NewStageTransitionError(string(deal.Stage), string(target))
			}

			switch target {
			case models.StageRejected:
				return s.reject(ctx, tx, models.AuditDealStageOverridden, reason)
			case models.StageLost:
				return s.closeLost(ctx, tx, models.AuditDealStageOverridden, reason)
			}

			if target.Rank() >= models.StageApproved.Rank() {
				if err := s.checkApprovalReady(ctx, tx, target); err != nil {
					return err
				}
			}
			if deal.Stage == models.StageSubmitted {
				if err := s.qualify(ctx, tx); err != nil {
					return err
				}
			}
			if target == models.StageWon {
				return s.closeWon(ctx, tx, models.AuditDealStageOverridden, reason)
			}
			if target == deal.Stage {
				return tx.batch.add(ctx, tx.st.Audit, models.AuditDealStageOverridden, models.AuditEntityDeal, deal.ID,
					reason, nil, deal)
			}

			before := deal.Clone()
			deal.Stage = target
			switch target {
			case models.StageInReview:
				deal.Status = models.StatusPendingApproval
			case models.StageApproved:
				deal.Status = models.StatusApproved
				deal.ScoreFrozen = true
			}
			if err := tx.changed(ctx, models.AuditDealStageOverridden, reason, before); err != nil {
				return err
			}
			return s.redetect(ctx, tx)
		},
	})
}

// transitionOp describes one deal-scoped operation for transition.
type transitionOp struct {
	name            string
	dealID          string
	actor           models.Actor
	expectedVersion *int
	attempted       map[string]interface{}
	apply           func(ctx context.Context, tx *dealTx) error
}

// dealTx is the transactional context handed to an operation.
type dealTx struct {
	st     Stores
	ws     *dealWorkspace
	deal   *models.Deal
	batch  *auditBatch
	result *dto.TransitionResult
}

// changed marks the deal dirty and audits the move from before.
func (tx *dealTx) changed(ctx context.Context, action models.AuditAction, reason string, before *models.Deal) error {
	tx.ws.markDirty(tx.deal.ID)
	tx.batch.stageChanged(before.Stage, tx.deal.Stage)
	return tx.batch.add(ctx, tx.st.Audit, action, models.AuditEntityDeal, tx.deal.ID, reason, before, tx.deal)
}

// deferredError commits the transaction's writes and still reports err to the caller.
type deferredError struct {
	err error
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// transition locks the deal behind its detection keys, applies the operation
// and commits. Failures are audited outside the rolled-back transaction.
func (s *DealWorkflowService) transition(ctx context.Context, op transitionOp) (*dto.TransitionResult, error) {
	batch := newAuditBatch(ctx, op.actor)
	var result *dto.TransitionResult
	var deferred error

	err := s.uow.Within(ctx, func(ctx context.Context, st Stores) error {
		batch.reset()
		result, deferred = nil, nil

		current, err := st.Deals.GetByID(ctx, op.dealID)
		if err != nil {
			return mapStoreError(err, "deal", op.dealID)
		}
		if !visibleTo(op.actor, current) {
			return appErrors.NewNotFoundError("deal", op.dealID)
		}
		if err := st.Locks.LockKeys(ctx, dealLockKeys(current)...); err != nil {
			return err
		}
		deal, err := st.Deals.GetForUpdate(ctx, op.dealID)
		if err != nil {
			return mapStoreError(err, "deal", op.dealID)
		}
		if op.expectedVersion != nil && *op.expectedVersion != deal.Version {
			e := appErrors.NewConcurrencyError("deal", op.dealID)
			e.Details["expectedVersion"] = *op.expectedVersion
			e.Details["currentVersion"] = deal.Version
			return e
		}

		ws := newDealWorkspace(st)
		ws.adopt(deal)
		tx := &dealTx{st: st, ws: ws, deal: deal, batch: batch, result: &dto.TransitionResult{Deal: deal}}

		applyErr := op.apply(ctx, tx)
		var d *deferredError
		if applyErr != nil && !errors.As(applyErr, &d) {
			return applyErr
		}
		if err := ws.flush(ctx); err != nil {
			return err
		}
		if d != nil {
			deferred = d.err
			entry := s.failureEntry(batch, op, deferred)
			if err := st.Audit.Append(ctx, entry); err != nil {
				return err
			}
			batch.entries = append(batch.entries, entry)
		}
		result = tx.result
		return nil
	})
	if err != nil {
		err = mapStoreError(err, "deal", op.dealID)
		s.recordFailure(ctx, batch, op, err)
		return nil, err
	}

	s.afterCommit(ctx, batch)
	if deferred != nil {
		s.metrics.RecordTransitionFailure(op.name, appErrors.FromError(deferred).Code)
		return result, deferred
	}
	return result, nil
}

func (s *DealWorkflowService) afterCommit(ctx context.Context, batch *auditBatch) {
	s.audit.Publish(batch.entries...)
	batch.report(s.metrics)
	if batch.pipelineChanged && s.pipeline != nil {
		s.pipeline.Invalidate(ctx)
	}
}

func (s *DealWorkflowService) failureEntry(batch *auditBatch, op transitionOp, err error) *models.AuditLogEntry {
	appErr := appErrors.FromError(err)
	attempted := make(map[string]interface{}, len(op.attempted)+2)
	for k, v := range op.attempted {
		attempted[k] = v
	}
	attempted["operation"] = op.name
	attempted["errorCode"] = appErr.Code
	entry := batch.entry(models.AuditDealTransitionFailed, models.AuditEntityDeal, op.dealID, appErr.Message, nil, attempted)
	entry.Outcome = models.OutcomeFailure
	return entry
}

func (s *DealWorkflowService) recordFailure(ctx context.Context, batch *auditBatch, op transitionOp, err error) {
	appErr := appErrors.FromError(err)
	s.metrics.RecordTransitionFailure(op.name, appErr.Code)
	if appErr.Code == appErrors.ErrNotFound.Code {
		return
	}
	if appErr.Status >= 500 {
		s.logger.Error("deal operation failed", zap.String("operation", op.name), zap.String("deal_id", op.dealID), zap.Error(err))
	}
	entry := s.failureEntry(batch, op, err)
	if deal, getErr := s.deals.GetByID(ctx, op.dealID); getErr == nil {
		entry.BeforeState = jsonState(deal)
	}
	s.audit.RecordFailure(ctx, entry)
}

// visibleTo scopes partner users to their own organisation's deals.
func visibleTo(actor models.Actor, deal *models.Deal) bool {
	if actor.Role != models.RolePartner {
		return true
	}
	return actor.PartnerID != "" && actor.PartnerID == deal.PartnerID
}
