package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

const auditColumns = `id, action_type, entity_type, entity_id, actor_id, actor_role, outcome, reason,
	before_state, after_state, request_id, created_at`

// AuditRepository appends to and reads the audit log. There is no
// update or delete path.
type AuditRepository struct {
	db sqlx.ExtContext
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db sqlx.ExtContext) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one entry.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.BeforeState) == 0 {
		entry.BeforeState = types.JSONText("null")
	}
	if len(entry.AfterState) == 0 {
		entry.AfterState = types.JSONText("null")
	}
	const query = `INSERT INTO audit_log (` + auditColumns + `)
	VALUES (:id, :action_type, :entity_type, :entity_id, :actor_id, :actor_role, :outcome, :reason,
	:before_state, :after_state, :request_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter in chronological order with the total count.
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, int, error) {
	conditions := make([]string, 0, 6)
	args := make([]interface{}, 0, 6)
	add := func(expr string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(args)))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		add("action_type = ANY($%d)", pq.Array(actions))
	}
	if filter.Outcome != "" {
		add("outcome = $%d", filter.Outcome)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM audit_log`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_log%s ORDER BY created_at, id LIMIT %d OFFSET %d`,
		auditColumns, where, limit, offset)
	var entries []models.AuditLogEntry
	if err := sqlx.SelectContext(ctx, r.db, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, total, nil
}
