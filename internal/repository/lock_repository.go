package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// LockRepository takes transaction-scoped Postgres advisory locks. Locks are
// released automatically on commit or rollback.
type LockRepository struct {
	db sqlx.ExecerContext
}

// NewLockRepository constructs the repository. db must be a transaction for
// the locks to be held across statements.
func NewLockRepository(db sqlx.ExecerContext) *LockRepository {
	return &LockRepository{db: db}
}

// LockKeys acquires one advisory lock per distinct key in sorted order so
// concurrent callers locking overlapping key sets cannot deadlock.
func (r *LockRepository) LockKeys(ctx context.Context, keys ...string) error {
	unique := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("advisory lock %s: %w", key, err)
		}
	}
	return nil
}
