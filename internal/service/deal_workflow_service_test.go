package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/dto"
	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

var (
	managerActor    = models.Actor{ID: "mgr-1", Role: models.RoleManager}
	complianceActor = models.Actor{ID: "cmp-1", Role: models.RoleCompliance}
	executiveActor  = models.Actor{ID: "exe-1", Role: models.RoleExecutive}
	adminActor      = models.Actor{ID: "adm-1", Role: models.RoleAdmin}
)

func partnerActor(partnerID string) models.Actor {
	return models.Actor{ID: "user-" + partnerID, Role: models.RolePartner, PartnerID: partnerID}
}

// stepClock advances one minute per reading so registrations are strictly ordered.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) Invalidate(context.Context) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type workflowFixture struct {
	db        *memoryDB
	svc       *DealWorkflowService
	conflicts *ConflictService
	metrics   *MetricsService
	pipeline  *countingInvalidator
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	db := newMemoryDB()
	db.seed(func(s *memoryState) {
		s.partners["p-gold"] = &models.Partner{ID: "p-gold", Name: "Gold Reseller", Tier: models.TierGold, Status: models.PartnerActive}
		s.partners["p-bronze"] = &models.Partner{ID: "p-bronze", Name: "Bronze Referral", Tier: models.TierBronze, Status: models.PartnerActive}
		s.partners["p-silver"] = &models.Partner{ID: "p-silver", Name: "Silver Reseller", Tier: models.TierSilver, Status: models.PartnerActive}
		s.partners["p-gone"] = &models.Partner{ID: "p-gone", Name: "Suspended", Tier: models.TierGold, Status: models.PartnerSuspended}
		_ = memRules{s}.PublishRuleSet(context.Background(), &models.RuleSet{
			PublishedBy: "seed",
			Rules: []models.ScoringRule{
				{Name: "deal value", Category: models.CategoryDealValue, Weight: 40, Active: true},
				{Name: "industry", Category: models.CategoryIndustryMatch, Weight: 20, Active: true,
					Params: types.JSONText(`{"industries":["manufacturing"]}`)},
				{Name: "tier", Category: models.CategoryPartnerTier, Weight: 40, Active: true},
			},
		})
	})

	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	metrics := NewMetricsService()
	pipeline := &countingInvalidator{}
	audit := NewAuditService(committedAudit{db}, committedAudit{db}, nil)
	resolver := NewConflictResolver(nil)

	svc := NewDealWorkflowService(db, committedDeals{db}, committedGates{db}, audit, nil,
		WithConflictResolver(resolver),
		WithWorkflowPipeline(pipeline),
		WithWorkflowMetrics(metrics),
		WithWorkflowClock(clock.Now),
	)
	conflicts := NewConflictService(db, committedConflicts{db}, resolver, audit, nil,
		WithConflictPipeline(pipeline),
		WithConflictMetrics(metrics),
	)
	return &workflowFixture{db: db, svc: svc, conflicts: conflicts, metrics: metrics, pipeline: pipeline}
}

func dealRequest(partnerID, account string, value int64) dto.RegisterDealRequest {
	return dto.RegisterDealRequest{
		PartnerID:         partnerID,
		AccountName:       account,
		DealValue:         decimal.NewFromInt(value),
		Currency:          "USD",
		Industry:          "Manufacturing",
		Territories:       []string{"EMEA"},
		ProductInterests:  []string{"analytics"},
		ExpectedCloseDate: "2026-05-15",
	}
}

func (f *workflowFixture) register(t *testing.T, req dto.RegisterDealRequest) *models.Deal {
	t.Helper()
	result, err := f.svc.RegisterDeal(context.Background(), req, adminActor)
	require.NoError(t, err)
	return result.Deal
}

func (f *workflowFixture) advance(t *testing.T, id string, target models.DealStage) *dto.TransitionResult {
	t.Helper()
	result, err := f.svc.AdvanceDealStage(context.Background(), id, dto.AdvanceDealRequest{TargetStage: string(target)}, managerActor)
	require.NoError(t, err)
	return result
}

func (f *workflowFixture) decide(t *testing.T, id string, gate models.ApprovalGate, actor models.Actor, rate *decimal.Decimal) {
	t.Helper()
	_, err := f.svc.DecideGate(context.Background(), id, string(gate),
		dto.GateDecisionRequest{Decision: "APPROVED", OverrideRate: rate}, actor)
	require.NoError(t, err)
}

func hasAction(entries []models.AuditLogEntry, action models.AuditAction, outcome models.AuditOutcome) bool {
	for _, e := range entries {
		if e.ActionType == action && e.Outcome == outcome {
			return true
		}
	}
	return false
}

func TestRegisterDealCreatesSubmittedDeal(t *testing.T) {
	f := newWorkflowFixture(t)

	deal := f.register(t, dealRequest("p-gold", "Acme, Inc.", 250000))

	stored := f.db.deal(deal.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.StageSubmitted, stored.Stage)
	assert.Equal(t, models.StatusUnderReview, stored.Status)
	assert.Equal(t, "acme", stored.AccountKey)
	assert.Equal(t, []string{"emea"}, []string(stored.Territories))
	assert.Equal(t, models.RiskLow, stored.RiskLevel)
	assert.Equal(t, 1, stored.Version)
	assert.False(t, stored.HasConflict)
	assert.True(t, hasAction(f.db.auditFor(deal.ID), models.AuditDealRegistered, models.OutcomeSuccess))
	assert.Equal(t, 1, f.pipeline.count())
}

func TestRegisterDealValidation(t *testing.T) {
	f := newWorkflowFixture(t)

	cases := []struct {
		name  string
		actor models.Actor
		req   func() dto.RegisterDealRequest
		code  string
	}{
		{"zero value", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-gold", "Acme", 0)
		}, appErrors.ErrValidation.Code},
		{"negative value", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-gold", "Acme", -5)
		}, appErrors.ErrValidation.Code},
		{"close date in the past", adminActor, func() dto.RegisterDealRequest {
			r := dealRequest("p-gold", "Acme", 1000)
			r.ExpectedCloseDate = "2026-01-01"
			return r
		}, appErrors.ErrValidation.Code},
		{"missing account", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-gold", "", 1000)
		}, appErrors.ErrValidation.Code},
		{"punctuation-only account", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-gold", "--", 1000)
		}, appErrors.ErrValidation.Code},
		{"unknown currency", adminActor, func() dto.RegisterDealRequest {
			r := dealRequest("p-gold", "Acme", 1000)
			r.Currency = "XXZ"
			return r
		}, appErrors.ErrValidation.Code},
		{"suspended partner", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-gone", "Acme", 1000)
		}, appErrors.ErrValidation.Code},
		{"unknown partner", adminActor, func() dto.RegisterDealRequest {
			return dealRequest("p-missing", "Acme", 1000)
		}, appErrors.ErrNotFound.Code},
		{"partner registering for another partner", partnerActor("p-bronze"), func() dto.RegisterDealRequest {
			return dealRequest("p-gold", "Acme", 1000)
		}, appErrors.ErrForbidden.Code},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RegisterDeal(context.Background(), tc.req(), tc.actor)
			require.Error(t, err)
			assert.Equal(t, tc.code, appErrors.FromError(err).Code)
		})
	}
	assert.Empty(t, f.db.snapshot().deals)
}

func TestRegisterDealScopesPartnerActor(t *testing.T) {
	f := newWorkflowFixture(t)

	req := dealRequest("", "Globex", 1000)
	result, err := f.svc.RegisterDeal(context.Background(), req, partnerActor("p-silver"))
	require.NoError(t, err)
	assert.Equal(t, "p-silver", result.Deal.PartnerID)
}

func TestConflictDetectionIsSymmetric(t *testing.T) {
	f := newWorkflowFixture(t)

	a := f.register(t, dealRequest("p-gold", "Acme, Inc.", 600000))
	b := f.register(t, dealRequest("p-bronze", "ACME", 200000))

	records := f.db.conflictsOf(a.ID)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, models.ConflictChannel, rec.ConflictType)
	assert.Equal(t, models.SeverityMedium, rec.Severity)
	assert.Equal(t, models.ConflictDetected, rec.Status)
	assert.True(t, rec.DealAID < rec.DealBID)
	assert.True(t, rec.Involves(b.ID))

	for _, id := range []string{a.ID, b.ID} {
		stored := f.db.deal(id)
		assert.True(t, stored.HasConflict, id)
		require.NotNil(t, stored.ConflictType, id)
		assert.Equal(t, models.ConflictChannel, *stored.ConflictType, id)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.conflictsDetected.WithLabelValues("CHANNEL", "MEDIUM")))
}

func TestRedetectionDoesNotDuplicateRecords(t *testing.T) {
	f := newWorkflowFixture(t)

	a := f.register(t, dealRequest("p-gold", "Acme", 600000))
	b := f.register(t, dealRequest("p-bronze", "Acme", 200000))

	f.advance(t, a.ID, models.StageQualified)
	result := f.advance(t, b.ID, models.StageQualified)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.SeverityHigh, result.Conflicts[0].Severity)

	f.advance(t, a.ID, models.StageInReview)

	records := f.db.conflictsOf(a.ID)
	require.Len(t, records, 1)
	assert.Equal(t, models.SeverityHigh, records[0].Severity)
	assert.Len(t, f.db.conflictsOf(b.ID), 1)
}

func TestTerritoryAndOverlapClassification(t *testing.T) {
	f := newWorkflowFixture(t)

	first := f.register(t, dealRequest("p-gold", "Initech", 1000))
	territory := f.register(t, dealRequest("p-bronze", "Umbrella", 1000))
	overlap := f.register(t, dealRequest("p-gold", "Initech LLC", 1000))

	byPair := map[string]models.ConflictType{}
	for _, rec := range f.db.conflictsOf(first.ID) {
		byPair[rec.Other(first.ID)] = rec.ConflictType
	}
	assert.Equal(t, models.ConflictTerritory, byPair[territory.ID])
	assert.Equal(t, models.ConflictCustomerOverlap, byPair[overlap.ID])
}

func TestAdvanceRejectsIllegalEdge(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 1000))
	before := f.db.deal(deal.ID)

	_, err := f.svc.AdvanceDealStage(context.Background(), deal.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageInReview)}, managerActor)
	require.Error(t, err)

	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErr.Code)
	assert.Equal(t, "SUBMITTED", appErr.Details["currentStage"])
	assert.Equal(t, "IN_REVIEW", appErr.Details["requestedStage"])

	assert.Equal(t, before, f.db.deal(deal.ID))
	assert.True(t, hasAction(f.db.auditFor(deal.ID), models.AuditDealTransitionFailed, models.OutcomeFailure))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.transitionFailures.WithLabelValues("advance", appErrors.ErrStageTransition.Code)))
}

func TestAdvanceUnknownDeal(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.svc.AdvanceDealStage(context.Background(), "missing",
		dto.AdvanceDealRequest{TargetStage: string(models.StageQualified)}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.db.auditFor("missing"))
}

func TestQualifyWithMissingInputsNeedsInfo(t *testing.T) {
	f := newWorkflowFixture(t)
	req := dealRequest("p-gold", "Acme", 1000)
	req.Industry = ""
	deal := f.register(t, req)

	_, err := f.svc.AdvanceDealStage(context.Background(), deal.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageQualified)}, managerActor)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, []string{"industry"}, appErr.Details["missingFields"])

	stored := f.db.deal(deal.ID)
	assert.Equal(t, models.StageSubmitted, stored.Stage)
	assert.Equal(t, models.StatusNeedsInfo, stored.Status)
	assert.Nil(t, stored.Score)

	entries := f.db.auditFor(deal.ID)
	assert.True(t, hasAction(entries, models.AuditDealScored, models.OutcomeSuccess))
	assert.True(t, hasAction(entries, models.AuditDealTransitionFailed, models.OutcomeFailure))
}

func TestQualifyPersistsScore(t *testing.T) {
	f := newWorkflowFixture(t)
	gold := f.register(t, dealRequest("p-gold", "Acme", 600000))
	bronze := f.register(t, dealRequest("p-bronze", "Globex", 100000))

	result := f.advance(t, gold.ID, models.StageQualified)
	require.NotNil(t, result.Score)
	assert.Equal(t, 100, result.Score.Score)
	assert.Len(t, result.Score.Breakdown, 3)

	f.advance(t, bronze.ID, models.StageQualified)
	stored := f.db.deal(bronze.ID)
	assert.Equal(t, models.StageQualified, stored.Stage)
	assert.Equal(t, models.StatusQualified, stored.Status)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 80, *stored.Score)
	require.NotNil(t, stored.ScoreRuleVersion)
	assert.Equal(t, 1, *stored.ScoreRuleVersion)
	assert.True(t, hasAction(f.db.auditFor(bronze.ID), models.AuditDealQualified, models.OutcomeSuccess))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.transitions.WithLabelValues("SUBMITTED", "QUALIFIED")))
}

func TestAcmeConflictResolvedByTier(t *testing.T) {
	f := newWorkflowFixture(t)
	a := f.register(t, dealRequest("p-gold", "Acme, Inc.", 600000))
	b := f.register(t, dealRequest("p-bronze", "ACME", 200000))
	f.advance(t, a.ID, models.StageQualified)
	f.advance(t, b.ID, models.StageQualified)

	records := f.db.conflictsOf(a.ID)
	require.Len(t, records, 1)
	require.Equal(t, models.SeverityHigh, records[0].Severity)

	resolution, err := f.conflicts.Resolve(context.Background(), records[0].ID, nil, managerActor)
	require.NoError(t, err)
	assert.Equal(t, a.ID, resolution.WinningDealID)
	assert.Equal(t, b.ID, resolution.LosingDealID)

	loser := f.db.deal(b.ID)
	assert.Equal(t, models.StageLost, loser.Stage)
	assert.Equal(t, models.StatusSupersededByTier, loser.Status)
	assert.False(t, loser.HasConflict)

	winner := f.db.deal(a.ID)
	assert.Equal(t, models.StageQualified, winner.Stage)
	assert.False(t, winner.HasConflict)
	assert.Nil(t, winner.ConflictType)

	rec := f.db.conflictsOf(a.ID)[0]
	assert.Equal(t, models.ConflictResolved, rec.Status)
	require.NotNil(t, rec.WinningDealID)
	assert.Equal(t, a.ID, *rec.WinningDealID)

	_, err = f.conflicts.Resolve(context.Background(), rec.ID, nil, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyResolved.Code, appErrors.FromError(err).Code)
}

func TestApproveBlockedByHighConflict(t *testing.T) {
	f := newWorkflowFixture(t)
	a := f.register(t, dealRequest("p-gold", "Acme", 100000))
	b := f.register(t, dealRequest("p-bronze", "Acme", 100000))
	f.advance(t, a.ID, models.StageQualified)
	f.advance(t, b.ID, models.StageQualified)
	f.advance(t, a.ID, models.StageInReview)

	// pending gates are reported ahead of the conflict block
	_, err := f.svc.AdvanceDealStage(context.Background(), a.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageApproved)}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)

	f.decide(t, a.ID, models.GateManagerReview, managerActor, nil)
	f.decide(t, a.ID, models.GateComplianceCheck, complianceActor, nil)

	_, err = f.svc.AdvanceDealStage(context.Background(), a.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageApproved)}, managerActor)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrConflictBlocked.Code, appErr.Code)
	assert.Len(t, appErr.Details["conflictIds"], 1)

	stored := f.db.deal(a.ID)
	assert.Equal(t, models.StageInReview, stored.Stage)
	assert.True(t, hasAction(f.db.auditFor(a.ID), models.AuditDealTransitionFailed, models.OutcomeFailure))

	// once the competitor withdraws the deal can be approved
	_, err = f.svc.CloseDeal(context.Background(), b.ID, dto.CloseDealRequest{Outcome: "LOST", Reason: "customer chose Gold"}, managerActor)
	require.NoError(t, err)
	f.advance(t, a.ID, models.StageApproved)
	assert.Equal(t, models.StageApproved, f.db.deal(a.ID).Stage)
}

func TestExecutiveGateAndCommission(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 600000))
	f.advance(t, deal.ID, models.StageQualified)

	review := f.advance(t, deal.ID, models.StageInReview)
	gates := make([]models.ApprovalGate, 0, len(review.Gates))
	for _, g := range review.Gates {
		gates = append(gates, g.Gate)
		assert.Equal(t, models.DecisionPending, g.Decision)
	}
	assert.Equal(t, []models.ApprovalGate{models.GateManagerReview, models.GateComplianceCheck, models.GateExecutiveApproval}, gates)

	f.decide(t, deal.ID, models.GateManagerReview, managerActor, nil)
	f.decide(t, deal.ID, models.GateComplianceCheck, complianceActor, nil)

	_, err := f.svc.AdvanceDealStage(context.Background(), deal.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageApproved)}, managerActor)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErr.Code)
	assert.Equal(t, []string{"EXECUTIVE_APPROVAL"}, appErr.Details["pendingGates"])

	rate := decimal.NewFromInt(10)
	f.decide(t, deal.ID, models.GateExecutiveApproval, executiveActor, &rate)
	f.advance(t, deal.ID, models.StageApproved)
	approved := f.db.deal(deal.ID)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.True(t, approved.ScoreFrozen)

	_, err = f.svc.CloseDeal(context.Background(), deal.ID, dto.CloseDealRequest{Outcome: "WON"}, partnerActor("p-gold"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	result, err := f.svc.CloseDeal(context.Background(), deal.ID, dto.CloseDealRequest{Outcome: "WON"}, managerActor)
	require.NoError(t, err)
	won := result.Deal
	assert.Equal(t, models.StageWon, won.Stage)
	assert.Equal(t, models.StatusWon, won.Status)
	require.NotNil(t, won.CommissionAmount)
	assert.Equal(t, "60000.00", won.CommissionAmount.StringFixed(2))
	assert.True(t, won.CommissionRate.Equal(rate))
	assert.NotNil(t, won.ClosedAt)
	assert.True(t, hasAction(f.db.auditFor(deal.ID), models.AuditCommissionComputed, models.OutcomeSuccess))

	_, err = f.svc.AdvanceDealStage(context.Background(), deal.ID,
		dto.AdvanceDealRequest{TargetStage: string(models.StageLost)}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)
}

func TestCloseWonUsesPartnerRate(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-bronze", "Globex", 200000))
	f.advance(t, deal.ID, models.StageQualified)
	review := f.advance(t, deal.ID, models.StageInReview)
	assert.Len(t, review.Gates, 2)
	f.decide(t, deal.ID, models.GateManagerReview, managerActor, nil)
	f.decide(t, deal.ID, models.GateComplianceCheck, complianceActor, nil)
	f.advance(t, deal.ID, models.StageApproved)

	result, err := f.svc.AdvanceDealStage(context.Background(), deal.ID,
		dto.AdvanceDealRequest{TargetStage: "won"}, managerActor)
	require.NoError(t, err)
	assert.Equal(t, "16000.00", result.Deal.CommissionAmount.StringFixed(2))
	assert.Equal(t, "8", result.Deal.CommissionRate.String())
}

func TestGateDecisionRules(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 1000))
	ctx := context.Background()

	_, err := f.svc.DecideGate(ctx, deal.ID, "MANAGER_REVIEW", dto.GateDecisionRequest{Decision: "APPROVED"}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)

	f.advance(t, deal.ID, models.StageQualified)
	f.advance(t, deal.ID, models.StageInReview)

	_, err = f.svc.DecideGate(ctx, deal.ID, "COMPLIANCE_CHECK", dto.GateDecisionRequest{Decision: "APPROVED"}, complianceActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = f.svc.DecideGate(ctx, deal.ID, "MANAGER_REVIEW", dto.GateDecisionRequest{Decision: "APPROVED"}, complianceActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = f.svc.DecideGate(ctx, deal.ID, "EXECUTIVE_APPROVAL", dto.GateDecisionRequest{Decision: "APPROVED"}, executiveActor)
	require.Error(t, err)

	_, err = f.svc.DecideGate(ctx, deal.ID, "MANAGER_REVIEW", dto.GateDecisionRequest{Decision: "REJECTED"}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	result, err := f.svc.DecideGate(ctx, deal.ID, "manager_review",
		dto.GateDecisionRequest{Decision: "rejected", Note: "pricing below floor"}, managerActor)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, result.Deal.Stage)
	require.NotNil(t, result.Deal.RejectionReason)
	assert.Equal(t, "MANAGER_REVIEW rejected: pricing below floor", *result.Deal.RejectionReason)
}

func TestRejectAndResubmit(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 1000))
	f.advance(t, deal.ID, models.StageQualified)
	ctx := context.Background()

	_, err := f.svc.RejectDeal(ctx, deal.ID, dto.RejectDealRequest{Reason: "  "}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	rejected, err := f.svc.RejectDeal(ctx, deal.ID, dto.RejectDealRequest{Reason: "Budget withdrawn"}, managerActor)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejected, rejected.Deal.Stage)
	assert.Equal(t, "Budget withdrawn", *rejected.Deal.RejectionReason)
	assert.Equal(t, managerActor.ID, *rejected.Deal.RejectedBy)

	_, err = f.svc.RejectDeal(ctx, deal.ID, dto.RejectDealRequest{Reason: "again"}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)

	resubmitted, err := f.svc.ResubmitDeal(ctx, deal.ID, dto.ResubmitDealRequest{}, partnerActor("p-gold"))
	require.NoError(t, err)
	stored := f.db.deal(deal.ID)
	assert.Equal(t, resubmitted.Deal.Version, stored.Version)
	assert.Equal(t, models.StageSubmitted, stored.Stage)
	assert.Equal(t, models.StatusUnderReview, stored.Status)
	assert.Nil(t, stored.Score)
	assert.Nil(t, stored.ScoreRuleVersion)
	assert.Nil(t, stored.RejectionReason)
	assert.Nil(t, stored.RejectedAt)

	var rejection *models.AuditLogEntry
	for _, e := range f.db.auditFor(deal.ID) {
		if e.ActionType == models.AuditDealRejected {
			e := e
			rejection = &e
		}
	}
	require.NotNil(t, rejection)
	require.NotNil(t, rejection.Reason)
	assert.Equal(t, "Budget withdrawn", *rejection.Reason)
	assert.True(t, hasAction(f.db.auditFor(deal.ID), models.AuditDealResubmitted, models.OutcomeSuccess))
}

func TestConcurrentAdvanceExactlyOneSucceeds(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 1000))
	version := 1

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AdvanceDealStage(context.Background(), deal.ID, dto.AdvanceDealRequest{
				TargetStage:     string(models.StageQualified),
				ExpectedVersion: &version,
			}, managerActor)
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case appErrors.HasCode(err, appErrors.ErrConcurrencyConflict.Code):
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	stored := f.db.deal(deal.ID)
	assert.Equal(t, models.StageQualified, stored.Stage)
	assert.Equal(t, 2, stored.Version)
}

func TestWithdrawalSettlesOpenConflicts(t *testing.T) {
	f := newWorkflowFixture(t)
	a := f.register(t, dealRequest("p-gold", "Acme", 1000))
	b := f.register(t, dealRequest("p-bronze", "Acme", 1000))

	result, err := f.svc.CloseDeal(context.Background(), b.ID, dto.CloseDealRequest{Outcome: "LOST", Reason: "withdrawn"}, partnerActor("p-bronze"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithdrawn, result.Deal.Status)
	assert.NotNil(t, result.Deal.ClosedAt)

	rec := f.db.conflictsOf(a.ID)[0]
	assert.Equal(t, models.ConflictResolved, rec.Status)
	assert.Equal(t, a.ID, *rec.WinningDealID)
	assert.False(t, f.db.deal(a.ID).HasConflict)
	assert.False(t, f.db.deal(b.ID).HasConflict)
}

func TestOverrideStage(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 1000))
	ctx := context.Background()

	_, err := f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "IN_REVIEW", Reason: "fast track"}, managerActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "IN_REVIEW"}, adminActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	result, err := f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "IN_REVIEW", Reason: "strategic account"}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.StageInReview, result.Deal.Stage)
	assert.Equal(t, models.StatusPendingApproval, result.Deal.Status)
	require.NotNil(t, result.Deal.Score)
	assert.False(t, result.Deal.ScoreFrozen)
	entries := f.db.auditFor(deal.ID)
	assert.True(t, hasAction(entries, models.AuditDealQualified, models.OutcomeSuccess))
	assert.True(t, hasAction(entries, models.AuditDealStageOverridden, models.OutcomeSuccess))

	_, err = f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "QUALIFIED", Reason: "oops"}, adminActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)

	_, err = f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "WON", Reason: "signed offline"}, adminActor)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErr.Code)
	assert.Equal(t, []string{"MANAGER_REVIEW", "COMPLIANCE_CHECK"}, appErr.Details["pendingGates"])

	f.decide(t, deal.ID, models.GateManagerReview, managerActor, nil)
	f.decide(t, deal.ID, models.GateComplianceCheck, complianceActor, nil)
	won, err := f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "WON", Reason: "signed offline"}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.StageWon, won.Deal.Stage)
	assert.True(t, won.Deal.ScoreFrozen)
	assert.Equal(t, "120.00", won.Deal.CommissionAmount.StringFixed(2))

	_, err = f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "LOST", Reason: "clawback"}, adminActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)
}

func TestOverrideStageStillRequiresGatesForLargeDeal(t *testing.T) {
	f := newWorkflowFixture(t)
	deal := f.register(t, dealRequest("p-gold", "Acme", 600000))
	ctx := context.Background()

	_, err := f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "APPROVED", Reason: "vip"}, adminActor)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErr.Code)
	assert.Equal(t, []string{"MANAGER_REVIEW", "COMPLIANCE_CHECK", "EXECUTIVE_APPROVAL"}, appErr.Details["pendingGates"])

	stored := f.db.deal(deal.ID)
	assert.Equal(t, models.StageSubmitted, stored.Stage)
	assert.Nil(t, stored.Score)
	assert.False(t, stored.ScoreFrozen)
	assert.True(t, hasAction(f.db.auditFor(deal.ID), models.AuditDealTransitionFailed, models.OutcomeFailure))

	rejected := f.register(t, dealRequest("p-silver", "Initech", 1000))
	_, err = f.svc.RejectDeal(ctx, rejected.ID, dto.RejectDealRequest{Reason: "duplicate"}, managerActor)
	require.NoError(t, err)
	_, err = f.svc.OverrideStage(ctx, rejected.ID, dto.OverrideStageRequest{TargetStage: "IN_REVIEW", Reason: "vip"}, adminActor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStageTransition.Code, appErrors.FromError(err).Code)

	f.advance(t, deal.ID, models.StageQualified)
	f.advance(t, deal.ID, models.StageInReview)
	f.decide(t, deal.ID, models.GateManagerReview, managerActor, nil)
	f.decide(t, deal.ID, models.GateComplianceCheck, complianceActor, nil)

	_, err = f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "APPROVED", Reason: "vip"}, adminActor)
	require.Error(t, err)
	assert.Equal(t, []string{"EXECUTIVE_APPROVAL"}, appErrors.FromError(err).Details["pendingGates"])

	f.decide(t, deal.ID, models.GateExecutiveApproval, executiveActor, nil)
	result, err := f.svc.OverrideStage(ctx, deal.ID, dto.OverrideStageRequest{TargetStage: "APPROVED", Reason: "vip"}, adminActor)
	require.NoError(t, err)
	assert.Equal(t, models.StageApproved, result.Deal.Stage)
	require.NotNil(t, result.Deal.Score)
	assert.True(t, result.Deal.ScoreFrozen)
}

func TestDealVisibilityForPartners(t *testing.T) {
	f := newWorkflowFixture(t)
	gold := f.register(t, dealRequest("p-gold", "Acme", 1000))
	f.register(t, dealRequest("p-bronze", "Globex", 1000))
	ctx := context.Background()

	_, err := f.svc.GetDeal(ctx, gold.ID, partnerActor("p-bronze"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	detail, err := f.svc.GetDeal(ctx, gold.ID, partnerActor("p-gold"))
	require.NoError(t, err)
	assert.Equal(t, gold.ID, detail.ID)

	deals, page, err := f.svc.ListDeals(ctx, dto.DealQuery{}, partnerActor("p-bronze"))
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "p-bronze", deals[0].PartnerID)
	assert.Equal(t, 1, page.TotalCount)

	all, _, err := f.svc.ListDeals(ctx, dto.DealQuery{}, managerActor)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.AdvanceDealStage(ctx, gold.ID, dto.AdvanceDealRequest{TargetStage: "QUALIFIED"}, partnerActor("p-gold"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
