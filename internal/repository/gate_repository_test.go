package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

func TestGateRepositoryUpsertAndList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewGateRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (deal_id, gate) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rate := decimal.NewFromInt(15)
	require.NoError(t, repo.Upsert(context.Background(), &models.DealGateApproval{
		DealID:       "deal-1",
		Gate:         models.GateExecutiveApproval,
		Decision:     models.DecisionApproved,
		ActorID:      "exec-1",
		ActorRole:    models.RoleExecutive,
		OverrideRate: &rate,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM deal_gate_approvals WHERE deal_id = $1")).
		WithArgs("deal-1").
		WillReturnRows(sqlmock.NewRows([]string{"deal_id", "gate", "decision", "actor_id", "actor_role", "note", "override_rate", "decided_at"}).
			AddRow("deal-1", "EXECUTIVE_APPROVAL", "APPROVED", "exec-1", "EXECUTIVE", nil, "15", time.Now()))

	approvals, err := repo.ListByDeal(context.Background(), "deal-1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.NotNil(t, approvals[0].OverrideRate)
	assert.True(t, approvals[0].OverrideRate.Equal(rate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepositoryDeleteByDeal(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM deal_gate_approvals WHERE deal_id = $1")).
		WithArgs("deal-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewGateRepository(db).DeleteByDeal(context.Background(), "deal-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
