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

const conflictColumns = `id, deal_a_id, deal_b_id, conflict_type, severity, status, resolution_strategy,
	resolution_notes, auto_resolve, winning_deal_id, losing_deal_id, resolved_by, resolved_at, version,
	detected_at, updated_at`

// ConflictRepository persists conflict records. Records are never deleted.
type ConflictRepository struct {
	db sqlx.ExtContext
}

// NewConflictRepository constructs the repository.
func NewConflictRepository(db sqlx.ExtContext) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// Create inserts the record unless its canonical pair already exists. The
// boolean reports whether a row was written.
func (r *ConflictRepository) Create(ctx context.Context, record *models.ConflictRecord) (bool, error) {
	record.DealAID, record.DealBID = models.CanonicalPair(record.DealAID, record.DealBID)
	if record.DealAID == record.DealBID {
		return false, fmt.Errorf("create conflict: deal %s cannot conflict with itself", record.DealAID)
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.DetectedAt.IsZero() {
		record.DetectedAt = now
	}
	record.UpdatedAt = record.DetectedAt
	record.Version = 1

	const query = `INSERT INTO conflict_records (` + conflictColumns + `)
	VALUES (:id, :deal_a_id, :deal_b_id, :conflict_type, :severity, :status, :resolution_strategy,
	:resolution_notes, :auto_resolve, :winning_deal_id, :losing_deal_id, :resolved_by, :resolved_at, :version,
	:detected_at, :updated_at)
	ON CONFLICT (deal_a_id, deal_b_id) DO NOTHING`
	result, err := sqlx.NamedExecContext(ctx, r.db, query, record)
	if err != nil {
		return false, fmt.Errorf("create conflict: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check conflict insert rows: %w", err)
	}
	return rows == 1, nil
}

// FindByPair returns the record for two deals in either order.
func (r *ConflictRepository) FindByPair(ctx context.Context, dealX, dealY string) (*models.ConflictRecord, error) {
	a, b := models.CanonicalPair(dealX, dealY)
	var record models.ConflictRecord
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE deal_a_id = $1 AND deal_b_id = $2`
	if err := sqlx.GetContext(ctx, r.db, &record, query, a, b); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByID fetches a record.
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate fetches and row-locks a record.
func (r *ConflictRepository) GetForUpdate(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *ConflictRepository) get(ctx context.Context, id, suffix string) (*models.ConflictRecord, error) {
	var record models.ConflictRecord
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = $1` + suffix
	if err := sqlx.GetContext(ctx, r.db, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update persists type, severity and resolution fields under optimistic locking.
func (r *ConflictRepository) Update(ctx context.Context, record *models.ConflictRecord) error {
	now := time.Now().UTC()
	const query = `UPDATE conflict_records SET
	conflict_type = :conflict_type, severity = :severity, status = :status, auto_resolve = :auto_resolve,
	resolution_strategy = :resolution_strategy, resolution_notes = :resolution_notes,
	winning_deal_id = :winning_deal_id, losing_deal_id = :losing_deal_id, resolved_by = :resolved_by,
	resolved_at = :resolved_at, version = version + 1, updated_at = :updated_at
	WHERE id = :id AND version = :version`

	params := *record
	params.UpdatedAt = now
	result, err := sqlx.NamedExecContext(ctx, r.db, query, &params)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check conflict update rows: %w", err)
	}
	if rows == 0 {
		return ErrStaleVersion
	}
	record.Version++
	record.UpdatedAt = now
	return nil
}

// ListOpenByDeal returns DETECTED and ESCALATED records referencing dealID.
func (r *ConflictRepository) ListOpenByDeal(ctx context.Context, dealID string) ([]models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records
	WHERE (deal_a_id = $1 OR deal_b_id = $1) AND status IN ('DETECTED', 'ESCALATED')
	ORDER BY detected_at, id`
	var records []models.ConflictRecord
	if err := sqlx.SelectContext(ctx, r.db, &records, query, dealID); err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	return records, nil
}

// List returns records matching the filter, most recent first, with the total count.
func (r *ConflictRepository) List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, int, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("conflict_type = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.DealID != "" {
		args = append(args, filter.DealID)
		conditions = append(conditions, fmt.Sprintf("(deal_a_id = $%d OR deal_b_id = $%d)", len(args), len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM conflict_records`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM conflict_records%s ORDER BY detected_at DESC, id LIMIT %d OFFSET %d`,
		conflictColumns, where, limit, offset)
	var records []models.ConflictRecord
	if err := sqlx.SelectContext(ctx, r.db, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	return records, total, nil
}
