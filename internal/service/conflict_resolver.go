package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/pkg/config"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

// ConflictPolicy is the configured handling of one conflict type.
type ConflictPolicy struct {
	Strategy    models.ResolutionStrategy `json:"strategy"`
	AutoResolve bool                      `json:"autoResolve"`
}

// ConflictPolicies maps conflict types to their policy.
type ConflictPolicies map[models.ConflictType]ConflictPolicy

// DefaultConflictPolicies resolves channel conflicts by tier, territory
// conflicts by registration order and leaves customer overlap to a human.
func DefaultConflictPolicies() ConflictPolicies {
	return ConflictPolicies{
		models.ConflictChannel:         {Strategy: models.StrategyTierBased, AutoResolve: true},
		models.ConflictTerritory:       {Strategy: models.StrategyFirstToRegister, AutoResolve: true},
		models.ConflictCustomerOverlap: {Strategy: models.StrategyManual, AutoResolve: false},
	}
}

// ConflictPoliciesFromConfig overlays configured policies on the defaults.
// Unknown strategy names keep the default for that type.
func ConflictPoliciesFromConfig(cfg config.ConflictsConfig) ConflictPolicies {
	policies := DefaultConflictPolicies()
	apply := func(t models.ConflictType, c config.ConflictPolicyConfig) {
		strategy := models.ResolutionStrategy(c.Strategy)
		if !strategy.Valid() {
			strategy = policies[t].Strategy
		}
		policies[t] = ConflictPolicy{Strategy: strategy, AutoResolve: c.AutoResolve}
	}
	apply(models.ConflictChannel, cfg.Channel)
	apply(models.ConflictTerritory, cfg.Territory)
	apply(models.ConflictCustomerOverlap, cfg.CustomerOverlap)
	return policies
}

// For returns the policy of a type, escalating anything unconfigured.
func (p ConflictPolicies) For(t models.ConflictType) ConflictPolicy {
	if policy, ok := p[t]; ok {
		return policy
	}
	return ConflictPolicy{Strategy: models.StrategyManual}
}

// Resolution describes the outcome of applying a policy to a conflict.
type Resolution struct {
	Conflict      *models.ConflictRecord `json:"conflict"`
	WinningDealID string                 `json:"winningDealId,omitempty"`
	LosingDealID  string                 `json:"losingDealId,omitempty"`
	Escalated     bool                   `json:"escalated"`
}

type resolveRequest struct {
	Strategy models.ResolutionStrategy
	// WinnerID is only used with the MANUAL strategy; without it the conflict escalates.
	WinnerID string
	Notes    string
	Actor    models.Actor
}

// ConflictResolver applies resolution strategies inside a transaction.
type ConflictResolver struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewConflictResolver constructs the resolver.
func NewConflictResolver(logger *zap.Logger) *ConflictResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// resolve settles or escalates a row-locked conflict. The caller holds the
// advisory keys of both deals.
func (r *ConflictResolver) resolve(ctx context.Context, ws *dealWorkspace, rec *models.ConflictRecord, req resolveRequest, batch *auditBatch) (*Resolution, error) {
	if rec.Status == models.ConflictResolved {
		e := appErrors.Clone(appErrors.ErrAlreadyResolved, fmt.Sprintf("conflict %s is already resolved", rec.ID))
		e.Details = map[string]interface{}{"conflictId": rec.ID}
		return nil, e
	}
	if !req.Strategy.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown resolution strategy %q", req.Strategy))
	}

	a, err := ws.lock(ctx, rec.DealAID)
	if err != nil {
		return nil, err
	}
	b, err := ws.lock(ctx, rec.DealBID)
	if err != nil {
		return nil, err
	}

	if req.Strategy == models.StrategyManual && req.WinnerID == "" {
		return r.escalate(ctx, ws.st, rec, req, batch)
	}

	winner, loser, status, notes, err := r.pick(ctx, ws.st, rec, a, b, req)
	if err != nil {
		return nil, err
	}
	if loser.Stage == models.StageWon {
		e := appErrors.NewStageTransitionError(string(loser.Stage), string(models.StageLost))
		e.Message = fmt.Sprintf("deal %s is already won and cannot be superseded", loser.ID)
		e.Details["conflictId"] = rec.ID
		return nil, e
	}

	if err := r.supersede(ctx, ws, loser, status, fmt.Sprintf("superseded by deal %s in conflict %s", winner.ID, rec.ID), batch); err != nil {
		return nil, err
	}
	if err := r.settle(ctx, ws.st, rec, req.Strategy, notes, winner.ID, loser.ID, req.Actor, batch); err != nil {
		return nil, err
	}
	if loser.Stage == models.StageLost {
		if err := r.release(ctx, ws, loser, req.Strategy, req.Actor, batch); err != nil {
			return nil, err
		}
	} else if err := ws.refreshFlags(ctx, loser.ID); err != nil {
		return nil, err
	}
	if err := ws.refreshFlags(ctx, winner.ID); err != nil {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		zap.String("conflict_id", rec.ID),
		zap.String("strategy", string(req.Strategy)),
		zap.String("winning_deal_id", winner.ID),
		zap.String("losing_deal_id", loser.ID))
	return &Resolution{Conflict: rec, WinningDealID: winner.ID, LosingDealID: loser.ID}, nil
}

func (r *ConflictResolver) escalate(ctx context.Context, st Stores, rec *models.ConflictRecord, req resolveRequest, batch *auditBatch) (*Resolution, error) {
	if rec.Status == models.ConflictEscalated {
		return &Resolution{Conflict: rec, Escalated: true}, nil
	}
	before := rec.Clone()
	rec.Status = models.ConflictEscalated
	if req.Notes != "" {
		notes := req.Notes
		rec.ResolutionNotes = &notes
	}
	if err := st.Conflicts.Update(ctx, rec); err != nil {
		return nil, mapStoreError(err, "conflict", rec.ID)
	}
	if err := batch.add(ctx, st.Audit, models.AuditConflictEscalated, models.AuditEntityConflict, rec.ID,
		"awaiting manual decision", before, rec); err != nil {
		return nil, err
	}
	batch.conflictSettled(models.StrategyManual, models.ConflictEscalated)
	return &Resolution{Conflict: rec, Escalated: true}, nil
}

// pick chooses the winner. A side that already left the pipeline, as LOST or
// REJECTED, always loses.
func (r *ConflictResolver) pick(ctx context.Context, st Stores, rec *models.ConflictRecord, a, b *models.Deal, req resolveRequest) (winner, loser *models.Deal, status models.DealStatus, notes string, err error) {
	var parts []string
	if req.Notes != "" {
		parts = append(parts, req.Notes)
	}

	if req.Strategy == models.StrategyManual {
		switch req.WinnerID {
		case a.ID:
			winner, loser = a, b
		case b.ID:
			winner, loser = b, a
		default:
			return nil, nil, "", "", appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("winning deal must be %s or %s", rec.DealAID, rec.DealBID))
		}
		if outOfPipeline(winner) {
			return nil, nil, "", "", appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("deal %s is %s and cannot win the conflict", winner.ID, strings.ToLower(string(winner.Stage))))
		}
		return winner, loser, models.StatusSupersededByManual, strings.Join(parts, "; "), nil
	}

	switch {
	case outOfPipeline(a) && !outOfPipeline(b):
		parts = append(parts, fmt.Sprintf("deal %s already %s", a.ID, strings.ToLower(string(a.Stage))))
		return b, a, a.Status, strings.Join(parts, "; "), nil
	case outOfPipeline(b) && !outOfPipeline(a):
		parts = append(parts, fmt.Sprintf("deal %s already %s", b.ID, strings.ToLower(string(b.Stage))))
		return a, b, b.Status, strings.Join(parts, "; "), nil
	}

	switch req.Strategy {
	case models.StrategyTierBased:
		partners, err := st.Partners.GetMany(ctx, []string{a.PartnerID, b.PartnerID})
		if err != nil {
			return nil, nil, "", "", err
		}
		pa, pb := partners[a.PartnerID], partners[b.PartnerID]
		if pa == nil || pb == nil {
			missing := a.PartnerID
			if pa != nil {
				missing = b.PartnerID
			}
			return nil, nil, "", "", appErrors.NewNotFoundError("partner", missing)
		}
		switch {
		case pa.Tier.Rank() > pb.Tier.Rank():
			parts = append(parts, fmt.Sprintf("%s tier outranks %s", pa.Tier, pb.Tier))
			return a, b, models.StatusSupersededByTier, strings.Join(parts, "; "), nil
		case pb.Tier.Rank() > pa.Tier.Rank():
			parts = append(parts, fmt.Sprintf("%s tier outranks %s", pb.Tier, pa.Tier))
			return b, a, models.StatusSupersededByTier, strings.Join(parts, "; "), nil
		}
		parts = append(parts, fmt.Sprintf("equal partner tiers (%s), fell back to first-to-register", pa.Tier))
		winner, loser = firstRegistered(a, b)
		return winner, loser, models.StatusSupersededByEarlier, strings.Join(parts, "; "), nil

	case models.StrategyFirstToRegister:
		winner, loser = firstRegistered(a, b)
		parts = append(parts, fmt.Sprintf("deal %s registered first", winner.ID))
		return winner, loser, models.StatusSupersededByEarlier, strings.Join(parts, "; "), nil
	}
	return nil, nil, "", "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported strategy %s", req.Strategy))
}

func outOfPipeline(d *models.Deal) bool {
	return d.Stage == models.StageLost || d.Stage == models.StageRejected
}

// firstRegistered orders by registration time, then by id.
func firstRegistered(a, b *models.Deal) (*models.Deal, *models.Deal) {
	if a.CreatedAt.Before(b.CreatedAt) {
		return a, b
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

// supersede moves the losing deal to LOST. A loser that already left the
// pipeline keeps its stage, so a rejected deal can still be resubmitted.
func (r *ConflictResolver) supersede(ctx context.Context, ws *dealWorkspace, loser *models.Deal, status models.DealStatus, reason string, batch *auditBatch) error {
	if outOfPipeline(loser) {
		return nil
	}
	before := loser.Clone()
	now := r.now()
	loser.Stage = models.StageLost
	loser.Status = status
	loser.ClosedAt = &now
	ws.markDirty(loser.ID)
	batch.stageChanged(before.Stage, loser.Stage)
	return batch.add(ctx, ws.st.Audit, models.AuditDealStageChanged, models.AuditEntityDeal, loser.ID, reason, before, loser)
}

func (r *ConflictResolver) settle(ctx context.Context, st Stores, rec *models.ConflictRecord, strategy models.ResolutionStrategy, notes, winnerID, loserID string, actor models.Actor, batch *auditBatch) error {
	before := rec.Clone()
	now := r.now()
	resolvedBy := actor.ID
	rec.Status = models.ConflictResolved
	rec.ResolutionStrategy = &strategy
	rec.ResolutionNotes = &notes
	rec.WinningDealID = &winnerID
	rec.LosingDealID = &loserID
	rec.ResolvedBy = &resolvedBy
	rec.ResolvedAt = &now
	if err := st.Conflicts.Update(ctx, rec); err != nil {
		return mapStoreError(err, "conflict", rec.ID)
	}
	batch.conflictSettled(strategy, models.ConflictResolved)
	return batch.add(ctx, st.Audit, models.AuditConflictResolved, models.AuditEntityConflict, rec.ID, notes, before, rec)
}

// release settles every other open conflict of a deal that left the pipeline
// in favour of the counterpart and clears the deal's conflict flags.
func (r *ConflictResolver) release(ctx context.Context, ws *dealWorkspace, leaving *models.Deal, strategy models.ResolutionStrategy, actor models.Actor, batch *auditBatch) error {
	open, err := ws.st.Conflicts.ListOpenByDeal(ctx, leaving.ID)
	if err != nil {
		return err
	}
	for _, candidate := range open {
		rec, err := ws.st.Conflicts.GetForUpdate(ctx, candidate.ID)
		if err != nil {
			return mapStoreError(err, "conflict", candidate.ID)
		}
		if !rec.Status.Open() {
			continue
		}
		winnerID := rec.Other(leaving.ID)
		notes := fmt.Sprintf("deal %s left the pipeline as %s", leaving.ID, leaving.Status)
		if err := r.settle(ctx, ws.st, rec, strategy, notes, winnerID, leaving.ID, actor, batch); err != nil {
			return err
		}
		if err := ws.refreshFlags(ctx, winnerID); err != nil {
			return err
		}
	}
	return ws.refreshFlags(ctx, leaving.ID)
}
