package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/repository"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

// dealWorkspace holds the deals row-locked by one transaction. Detection,
// resolution and the workflow all mutate the same in-memory copies and flush
// each changed deal exactly once.
type dealWorkspace struct {
	st    Stores
	deals map[string]*models.Deal
	dirty map[string]bool
}

func newDealWorkspace(st Stores) *dealWorkspace {
	return &dealWorkspace{st: st, deals: make(map[string]*models.Deal), dirty: make(map[string]bool)}
}

// adopt registers a deal the caller already locked.
func (w *dealWorkspace) adopt(deal *models.Deal) {
	w.deals[deal.ID] = deal
}

// lock returns the workspace copy, row-locking it on first use.
func (w *dealWorkspace) lock(ctx context.Context, id string) (*models.Deal, error) {
	if deal, ok := w.deals[id]; ok {
		return deal, nil
	}
	deal, err := w.st.Deals.GetForUpdate(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "deal", id)
	}
	w.deals[id] = deal
	return deal, nil
}

func (w *dealWorkspace) markDirty(id string) {
	w.dirty[id] = true
}

// flush writes every changed deal in id order.
func (w *dealWorkspace) flush(ctx context.Context) error {
	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := w.st.Deals.Update(ctx, w.deals[id]); err != nil {
			return mapStoreError(err, "deal", id)
		}
		delete(w.dirty, id)
	}
	return nil
}

// refreshFlags recomputes has_conflict and conflict_type from the open records.
func (w *dealWorkspace) refreshFlags(ctx context.Context, dealID string) error {
	open, err := w.st.Conflicts.ListOpenByDeal(ctx, dealID)
	if err != nil {
		return err
	}
	deal, err := w.lock(ctx, dealID)
	if err != nil {
		return err
	}
	hasConflict, conflictType := summarizeConflicts(open)
	if deal.HasConflict == hasConflict && sameConflictType(deal.ConflictType, conflictType) {
		return nil
	}
	deal.HasConflict = hasConflict
	deal.ConflictType = conflictType
	w.markDirty(dealID)
	return nil
}

// summarizeConflicts picks the type of the most severe open conflict, breaking
// ties by type precedence and then detection order.
func summarizeConflicts(open []models.ConflictRecord) (bool, *models.ConflictType) {
	var top *models.ConflictRecord
	for i := range open {
		rec := &open[i]
		if !rec.Status.Open() {
			continue
		}
		if top == nil || outranks(rec, top) {
			top = rec
		}
	}
	if top == nil {
		return false, nil
	}
	t := top.ConflictType
	return true, &t
}

func outranks(a, b *models.ConflictRecord) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if conflictTypeRank(a.ConflictType) != conflictTypeRank(b.ConflictType) {
		return conflictTypeRank(a.ConflictType) > conflictTypeRank(b.ConflictType)
	}
	return a.DetectedAt.Before(b.DetectedAt)
}

func conflictTypeRank(t models.ConflictType) int {
	switch t {
	case models.ConflictChannel:
		return 2
	case models.ConflictTerritory:
		return 1
	}
	return 0
}

func sameConflictType(a, b *models.ConflictType) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// dealLockKeys derives the advisory lock keys guarding detection for the deals.
func dealLockKeys(deals ...*models.Deal) []string {
	keys := make([]string, 0, 4)
	for _, d := range deals {
		if d == nil {
			continue
		}
		if d.AccountKey != "" {
			keys = append(keys, "customer:"+d.AccountKey)
		}
		for _, tag := range d.Territories {
			keys = append(keys, "territory:"+tag)
		}
	}
	return keys
}

// mapStoreError converts repository sentinels into application errors.
func mapStoreError(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.NewNotFoundError(entity, id)
	}
	if errors.Is(err, repository.ErrStaleVersion) {
		return appErrors.NewConcurrencyError(entity, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			e := appErrors.NewConcurrencyError(entity, id)
			e.Err = err
			return e
		}
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, fmt.Sprintf("failed to process %s %s", entity, id))
}
