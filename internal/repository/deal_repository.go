package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

const dealColumns = `id, partner_id, account_name, account_key, deal_value, currency, industry, territories,
	product_interests, expected_close_date, description, risk_level, stage, status, score, score_rule_version,
	score_frozen, has_conflict, conflict_type, rejection_reason, rejected_at, rejected_by, commission_rate,
	commission_amount, commission_computed_at, closed_at, version, created_at, updated_at`

// DealRepository persists deal registrations. It works against a pool or a transaction.
type DealRepository struct {
	db sqlx.ExtContext
}

// NewDealRepository constructs the repository.
func NewDealRepository(db sqlx.ExtContext) *DealRepository {
	return &DealRepository{db: db}
}

// Create inserts a new deal at version 1.
func (r *DealRepository) Create(ctx context.Context, deal *models.Deal) error {
	if deal.ID == "" {
		deal.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = deal.CreatedAt
	deal.Version = 1
	if deal.Territories == nil {
		deal.Territories = pq.StringArray{}
	}
	if deal.ProductInterests == nil {
		deal.ProductInterests = pq.StringArray{}
	}

	const query = `INSERT INTO deals (` + dealColumns + `)
	VALUES (:id, :partner_id, :account_name, :account_key, :deal_value, :currency, :industry, :territories,
	:product_interests, :expected_close_date, :description, :risk_level, :stage, :status, :score, :score_rule_version,
	:score_frozen, :has_conflict, :conflict_type, :rejection_reason, :rejected_at, :rejected_by, :commission_rate,
	:commission_amount, :commission_computed_at, :closed_at, :version, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, deal); err != nil {
		return fmt.Errorf("create deal: %w", err)
	}
	return nil
}

// GetByID fetches a deal. Missing rows surface as sql.ErrNoRows.
func (r *DealRepository) GetByID(ctx context.Context, id string) (*models.Deal, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate fetches a deal and row-locks it until the transaction ends.
func (r *DealRepository) GetForUpdate(ctx context.Context, id string) (*models.Deal, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *DealRepository) get(ctx context.Context, id, suffix string) (*models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1` + suffix
	var deal models.Deal
	if err := sqlx.GetContext(ctx, r.db, &deal, query, id); err != nil {
		return nil, err
	}
	return &deal, nil
}

// Update writes every mutable column when the stored version still equals
// deal.Version, then advances the in-memory version. A concurrent writer makes
// this return ErrStaleVersion.
func (r *DealRepository) Update(ctx context.Context, deal *models.Deal) error {
	now := time.Now().UTC()
	const query = `UPDATE deals SET
	stage = :stage, status = :status,
	score = :score, score_rule_version = :score_rule_version, score_frozen = :score_frozen,
	has_conflict = :has_conflict, conflict_type = :conflict_type, rejection_reason = :rejection_reason,
	rejected_at = :rejected_at, rejected_by = :rejected_by, commission_rate = :commission_rate,
	commission_amount = :commission_amount, commission_computed_at = :commission_computed_at,
	closed_at = :closed_at, version = version + 1, updated_at = :updated_at
	WHERE id = :id AND version = :version`

	params := *deal
	params.UpdatedAt = now
	result, err := sqlx.NamedExecContext(ctx, r.db, query, &params)
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check deal update rows: %w", err)
	}
	if rows == 0 {
		return ErrStaleVersion
	}
	deal.Version++
	deal.UpdatedAt = now
	return nil
}

// FindConflictCandidates returns live deals other than dealID that share the
// account key or at least one territory tag, ordered by id.
func (r *DealRepository) FindConflictCandidates(ctx context.Context, dealID, accountKey string, territories []string) ([]models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals
	WHERE id <> $1
	AND stage NOT IN ('LOST', 'REJECTED')
	AND (account_key = $2 OR territories && $3)
	ORDER BY id`
	var deals []models.Deal
	if err := sqlx.SelectContext(ctx, r.db, &deals, query, dealID, accountKey, pq.Array(territories)); err != nil {
		return nil, fmt.Errorf("find conflict candidates: %w", err)
	}
	return deals, nil
}

// PipelineOverview aggregates count and value per stage.
func (r *DealRepository) PipelineOverview(ctx context.Context) ([]models.StageSummary, error) {
	const query = `SELECT stage, COUNT(*) AS count, COALESCE(SUM(deal_value), 0) AS total_value
	FROM deals GROUP BY stage`
	var rows []models.StageSummary
	if err := sqlx.SelectContext(ctx, r.db, &rows, query); err != nil {
		return nil, fmt.Errorf("pipeline overview: %w", err)
	}
	return rows, nil
}

// ListWonForPartner returns a partner's WON deals closed within [from, to).
func (r *DealRepository) ListWonForPartner(ctx context.Context, partnerID string, from, to time.Time) ([]models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals
	WHERE partner_id = $1 AND stage = 'WON' AND closed_at >= $2 AND closed_at < $3
	ORDER BY closed_at, id`
	var deals []models.Deal
	if err := sqlx.SelectContext(ctx, r.db, &deals, query, partnerID, from, to); err != nil {
		return nil, fmt.Errorf("list won deals: %w", err)
	}
	return deals, nil
}

// List returns deals matching the filter, newest first, with the total match count.
func (r *DealRepository) List(ctx context.Context, filter models.DealFilter) ([]models.Deal, int, error) {
	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if filter.PartnerID != "" {
		args = append(args, filter.PartnerID)
		conditions = append(conditions, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if len(filter.Stages) > 0 {
		stages := make([]string, len(filter.Stages))
		for i, s := range filter.Stages {
			stages[i] = string(s)
		}
		args = append(args, pq.Array(stages))
		conditions = append(conditions, fmt.Sprintf("stage = ANY($%d)", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM deals`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count deals: %w", err)
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM deals%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`, dealColumns, where, limit, offset)
	var deals []models.Deal
	if err := sqlx.SelectContext(ctx, r.db, &deals, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list deals: %w", err)
	}
	return deals, total, nil
}
