package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLockRepositoryLocksDistinctKeysInOrder(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	lockSQL := regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")
	mock.ExpectExec(lockSQL).WithArgs("customer:acme").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(lockSQL).WithArgs("territory:apac").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(lockSQL).WithArgs("territory:emea").WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewLockRepository(db).LockKeys(context.Background(),
		"territory:emea", "customer:acme", "territory:apac", "territory:emea", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
