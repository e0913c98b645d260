package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

// ConflictDetector finds registrations competing for the same customer or territory.
type ConflictDetector struct {
	policies            ConflictPolicies
	resolver            *ConflictResolver
	autoResolveOnDetect bool
	logger              *zap.Logger
}

// ConflictDetectorOption configures the detector.
type ConflictDetectorOption func(*ConflictDetector)

// WithAutoResolveOnDetect applies the resolution policy to conflicts that reach HIGH during detection.
func WithAutoResolveOnDetect(resolver *ConflictResolver) ConflictDetectorOption {
	return func(d *ConflictDetector) {
		d.resolver = resolver
		d.autoResolveOnDetect = resolver != nil
	}
}

// NewConflictDetector constructs the detector.
func NewConflictDetector(policies ConflictPolicies, logger *zap.Logger, opts ...ConflictDetectorOption) *ConflictDetector {
	if policies == nil {
		policies = DefaultConflictPolicies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &ConflictDetector{policies: policies, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// classifyConflict decides whether two deals compete and how.
func classifyConflict(subject, other *models.Deal) (models.ConflictType, bool) {
	samePartner := subject.PartnerID == other.PartnerID
	sameAccount := subject.AccountKey != "" && subject.AccountKey == other.AccountKey
	switch {
	case sameAccount && !samePartner:
		return models.ConflictChannel, true
	case sameAccount && samePartner:
		return models.ConflictCustomerOverlap, true
	case !samePartner && sharesTerritory(subject, other):
		return models.ConflictTerritory, true
	}
	return "", false
}

func sharesTerritory(a, b *models.Deal) bool {
	tags := make(map[string]struct{}, len(a.Territories))
	for _, t := range a.Territories {
		tags[t] = struct{}{}
	}
	for _, t := range b.Territories {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}

// conflictSeverity grades a conflict from the type and both deals' progress.
func conflictSeverity(conflictType models.ConflictType, a, b *models.Deal) models.Severity {
	if conflictType == models.ConflictCustomerOverlap {
		return models.SeverityLow
	}
	qualified := models.StageQualified.Rank()
	if a.Stage.Rank() < qualified || b.Stage.Rank() < qualified {
		return models.SeverityMedium
	}
	if conflictType == models.ConflictChannel {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

// detect compares subject against every live deal sharing its account or a
// territory. The caller holds subject's advisory keys and has adopted it into
// ws; flag changes land in ws and are written by the caller's flush. It
// returns the records created or upgraded.
func (d *ConflictDetector) detect(ctx context.Context, ws *dealWorkspace, subject *models.Deal, batch *auditBatch) ([]models.ConflictRecord, error) {
	st := ws.st
	candidates, err := st.Deals.FindConflictCandidates(ctx, subject.ID, subject.AccountKey, subject.Territories)
	if err != nil {
		return nil, err
	}

	var changed []models.ConflictRecord
	for i := range candidates {
		other := &candidates[i]
		if cached, ok := ws.deals[other.ID]; ok {
			other = cached
		}
		conflictType, ok := classifyConflict(subject, other)
		if !ok {
			continue
		}
		severity := conflictSeverity(conflictType, subject, other)

		record, err := d.upsert(ctx, st, subject, other, conflictType, severity, batch)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		changed = append(changed, *record)
		if err := ws.refreshFlags(ctx, other.ID); err != nil {
			return nil, err
		}
	}
	if err := ws.refreshFlags(ctx, subject.ID); err != nil {
		return nil, err
	}

	if d.autoResolveOnDetect {
		if err := d.autoResolve(ctx, ws, changed, batch); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

// upsert creates the pair's record or upgrades an open one. It returns nil
// when nothing changed, including for resolved pairs which are never reopened.
func (d *ConflictDetector) upsert(ctx context.Context, st Stores, subject, other *models.Deal, conflictType models.ConflictType, severity models.Severity, batch *auditBatch) (*models.ConflictRecord, error) {
	existing, err := st.Conflicts.FindByPair(ctx, subject.ID, other.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if existing == nil {
		record := &models.ConflictRecord{
			DealAID:      subject.ID,
			DealBID:      other.ID,
			ConflictType: conflictType,
			Severity:     severity,
			Status:       models.ConflictDetected,
			AutoResolve:  d.policies.For(conflictType).AutoResolve,
		}
		created, err := st.Conflicts.Create(ctx, record)
		if err != nil {
			return nil, err
		}
		if created {
			batch.conflictDetected(conflictType, severity)
			d.logger.Info("conflict detected",
				zap.String("conflict_id", record.ID),
				zap.String("type", string(conflictType)),
				zap.String("severity", string(severity)),
				zap.String("deal_a_id", record.DealAID),
				zap.String("deal_b_id", record.DealBID))
			if err := batch.add(ctx, st.Audit, models.AuditConflictDetected, models.AuditEntityConflict, record.ID, "", nil, record); err != nil {
				return nil, err
			}
			return record, nil
		}
		if existing, err = st.Conflicts.FindByPair(ctx, subject.ID, other.ID); err != nil {
			return nil, err
		}
	}

	if !existing.Status.Open() {
		return nil, nil
	}
	upgraded := existing.Clone()
	if severity.Rank() > upgraded.Severity.Rank() {
		upgraded.Severity = severity
	}
	if conflictTypeRank(conflictType) > conflictTypeRank(upgraded.ConflictType) {
		upgraded.ConflictType = conflictType
		upgraded.AutoResolve = d.policies.For(conflictType).AutoResolve
	}
	if upgraded.Severity == existing.Severity && upgraded.ConflictType == existing.ConflictType {
		return nil, nil
	}
	if err := st.Conflicts.Update(ctx, upgraded); err != nil {
		return nil, mapStoreError(err, "conflict", existing.ID)
	}
	if err := batch.add(ctx, st.Audit, models.AuditConflictDetected, models.AuditEntityConflict, upgraded.ID,
		"conflict upgraded", existing, upgraded); err != nil {
		return nil, err
	}
	return upgraded, nil
}

func (d *ConflictDetector) autoResolve(ctx context.Context, ws *dealWorkspace, changed []models.ConflictRecord, batch *auditBatch) error {
	for _, rec := range changed {
		if rec.Severity != models.SeverityHigh {
			continue
		}
		policy := d.policies.For(rec.ConflictType)
		if !policy.AutoResolve || policy.Strategy == models.StrategyManual {
			continue
		}
		locked, err := ws.st.Conflicts.GetForUpdate(ctx, rec.ID)
		if err != nil {
			return mapStoreError(err, "conflict", rec.ID)
		}
		if !locked.Status.Open() {
			continue
		}
		_, err = d.resolver.resolve(ctx, ws, locked, resolveRequest{
			Strategy: policy.Strategy,
			Notes:    "resolved automatically on detection",
			Actor:    models.SystemActor,
		}, batch)
		if appErrors.HasCode(err, appErrors.ErrStageTransition.Code) {
			d.logger.Warn("automatic resolution skipped", zap.String("conflict_id", rec.ID), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// blocking lists open HIGH conflicts holding the deal back. Conflicts whose
// counterpart has left the pipeline (rejected or lost) do not block.
func (d *ConflictDetector) blocking(ctx context.Context, ws *dealWorkspace, dealID string) ([]string, error) {
	open, err := ws.st.Conflicts.ListOpenByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range open {
		if rec.Severity != models.SeverityHigh {
			continue
		}
		otherID := rec.Other(dealID)
		other, ok := ws.deals[otherID]
		if !ok {
			if other, err = ws.st.Deals.GetByID(ctx, otherID); err != nil {
				return nil, mapStoreError(err, "deal", otherID)
			}
		}
		if other.Stage == models.StageRejected || other.Stage == models.StageLost {
			continue
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}
