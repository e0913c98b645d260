package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

func TestScoringRuleRepositoryActiveRuleSetEmpty(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM scoring_rule_sets ORDER BY version DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "published_by", "published_at"}))

	set, err := NewScoringRuleRepository(db).ActiveRuleSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, set.Version)
	assert.Empty(t, set.Rules)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScoringRuleRepositoryActiveRuleSetLoadsRules(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM scoring_rule_sets ORDER BY version DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "published_by", "published_at"}).AddRow(int64(3), "admin-1", now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM scoring_rules WHERE rule_set_version = $1")).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_set_version", "name", "category", "weight", "active", "params", "created_at"}).
			AddRow("r-1", int64(3), "Big deals", "DEAL_VALUE", int64(40), true, `{"full":"100000"}`, now))

	set, err := NewScoringRuleRepository(db).ActiveRuleSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, set.Version)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, models.CategoryDealValue, set.Rules[0].Category)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScoringRuleRepositoryPublishAssignsNextVersion(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) FROM scoring_rule_sets")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scoring_rule_sets")).
		WithArgs(3, "admin-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scoring_rules")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	set := &models.RuleSet{
		PublishedBy: "admin-1",
		Rules: []models.ScoringRule{
			{Name: "Has description", Category: models.CategoryDescriptionPresent, Weight: 10, Active: true},
		},
	}
	require.NoError(t, NewScoringRuleRepository(db).PublishRuleSet(context.Background(), set))
	assert.Equal(t, 3, set.Version)
	assert.Equal(t, 3, set.Rules[0].RuleSetVersion)
	assert.Equal(t, "{}", string(set.Rules[0].Params))
	require.NoError(t, mock.ExpectationsWereMet())
}
