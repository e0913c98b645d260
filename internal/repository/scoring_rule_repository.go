package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

const ruleColumns = `id, rule_set_version, name, category, weight, active, params, created_at`

type ruleSetRow struct {
	Version     int       `db:"version"`
	PublishedBy string    `db:"published_by"`
	PublishedAt time.Time `db:"published_at"`
}

// ScoringRuleRepository stores versioned scoring rule sets. Published versions
// are immutable so historic scores can be reproduced.
type ScoringRuleRepository struct {
	db sqlx.ExtContext
}

// NewScoringRuleRepository constructs the repository.
func NewScoringRuleRepository(db sqlx.ExtContext) *ScoringRuleRepository {
	return &ScoringRuleRepository{db: db}
}

// ActiveRuleSet returns the latest published rule set. With nothing published
// it returns an empty set at version 0.
func (r *ScoringRuleRepository) ActiveRuleSet(ctx context.Context) (*models.RuleSet, error) {
	var head ruleSetRow
	err := sqlx.GetContext(ctx, r.db, &head,
		`SELECT version, published_by, published_at FROM scoring_rule_sets ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.RuleSet{Version: 0, Rules: []models.ScoringRule{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active rule set: %w", err)
	}
	return r.withRules(ctx, head)
}

// RuleSetByVersion returns a specific published version.
func (r *ScoringRuleRepository) RuleSetByVersion(ctx context.Context, version int) (*models.RuleSet, error) {
	var head ruleSetRow
	err := sqlx.GetContext(ctx, r.db, &head,
		`SELECT version, published_by, published_at FROM scoring_rule_sets WHERE version = $1`, version)
	if err != nil {
		return nil, err
	}
	return r.withRules(ctx, head)
}

func (r *ScoringRuleRepository) withRules(ctx context.Context, head ruleSetRow) (*models.RuleSet, error) {
	var rules []models.ScoringRule
	query := `SELECT ` + ruleColumns + ` FROM scoring_rules WHERE rule_set_version = $1 ORDER BY name, id`
	if err := sqlx.SelectContext(ctx, r.db, &rules, query, head.Version); err != nil {
		return nil, fmt.Errorf("load scoring rules: %w", err)
	}
	if rules == nil {
		rules = []models.ScoringRule{}
	}
	return &models.RuleSet{
		Version:     head.Version,
		Rules:       rules,
		PublishedBy: head.PublishedBy,
		PublishedAt: head.PublishedAt,
	}, nil
}

// PublishRuleSet stores rules as the next version and fills in the assigned
// version and ids. Callers serialise publishing; the version primary key
// rejects a concurrent duplicate.
func (r *ScoringRuleRepository) PublishRuleSet(ctx context.Context, set *models.RuleSet) error {
	var current int
	if err := sqlx.GetContext(ctx, r.db, &current, `SELECT COALESCE(MAX(version), 0) FROM scoring_rule_sets`); err != nil {
		return fmt.Errorf("read rule set version: %w", err)
	}
	set.Version = current + 1
	if set.PublishedAt.IsZero() {
		set.PublishedAt = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO scoring_rule_sets (version, published_by, published_at) VALUES ($1, $2, $3)`,
		set.Version, set.PublishedBy, set.PublishedAt); err != nil {
		return fmt.Errorf("insert rule set: %w", err)
	}

	const query = `INSERT INTO scoring_rules (` + ruleColumns + `)
	VALUES (:id, :rule_set_version, :name, :category, :weight, :active, :params, :created_at)`
	for i := range set.Rules {
		rule := &set.Rules[i]
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		rule.RuleSetVersion = set.Version
		rule.CreatedAt = set.PublishedAt
		if len(rule.Params) == 0 {
			rule.Params = types.JSONText("{}")
		}
		if _, err := sqlx.NamedExecContext(ctx, r.db, query, rule); err != nil {
			return fmt.Errorf("insert scoring rule %s: %w", rule.Name, err)
		}
	}
	return nil
}
