package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

// GateRepository stores approval-gate decisions per deal.
type GateRepository struct {
	db sqlx.ExtContext
}

// NewGateRepository constructs the repository.
func NewGateRepository(db sqlx.ExtContext) *GateRepository {
	return &GateRepository{db: db}
}

// ListByDeal returns the decisions recorded for a deal.
func (r *GateRepository) ListByDeal(ctx context.Context, dealID string) ([]models.DealGateApproval, error) {
	const query = `SELECT deal_id, gate, decision, actor_id, actor_role, note, override_rate, decided_at
	FROM deal_gate_approvals WHERE deal_id = $1 ORDER BY decided_at`
	var approvals []models.DealGateApproval
	if err := sqlx.SelectContext(ctx, r.db, &approvals, query, dealID); err != nil {
		return nil, fmt.Errorf("list gate approvals: %w", err)
	}
	return approvals, nil
}

// Upsert records the decision for (deal, gate), replacing an earlier one.
func (r *GateRepository) Upsert(ctx context.Context, approval *models.DealGateApproval) error {
	if approval.DecidedAt.IsZero() {
		approval.DecidedAt = time.Now().UTC()
	}
	const query = `INSERT INTO deal_gate_approvals (deal_id, gate, decision, actor_id, actor_role, note, override_rate, decided_at)
	VALUES (:deal_id, :gate, :decision, :actor_id, :actor_role, :note, :override_rate, :decided_at)
	ON CONFLICT (deal_id, gate) DO UPDATE SET
		decision = EXCLUDED.decision, actor_id = EXCLUDED.actor_id, actor_role = EXCLUDED.actor_role,
		note = EXCLUDED.note, override_rate = EXCLUDED.override_rate, decided_at = EXCLUDED.decided_at`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, approval); err != nil {
		return fmt.Errorf("upsert gate approval: %w", err)
	}
	return nil
}

// DeleteByDeal clears decisions when a rejected deal is resubmitted. The audit
// log keeps the history.
func (r *GateRepository) DeleteByDeal(ctx context.Context, dealID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM deal_gate_approvals WHERE deal_id = $1`, dealID); err != nil {
		return fmt.Errorf("clear gate approvals: %w", err)
	}
	return nil
}
