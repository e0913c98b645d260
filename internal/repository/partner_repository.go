package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

const partnerColumns = `id, name, tier, commission_rate, mdf_budget, status`

// PartnerRepository reads partner organisations. Partners are managed by the
// PRM administration module; the engine only reads them.
type PartnerRepository struct {
	db sqlx.QueryerContext
}

// NewPartnerRepository constructs the repository.
func NewPartnerRepository(db sqlx.QueryerContext) *PartnerRepository {
	return &PartnerRepository{db: db}
}

// GetByID fetches a partner.
func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*models.Partner, error) {
	var partner models.Partner
	if err := sqlx.GetContext(ctx, r.db, &partner, `SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &partner, nil
}

// GetMany fetches partners keyed by id. Unknown ids are absent from the map.
func (r *PartnerRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.Partner, error) {
	result := make(map[string]*models.Partner, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var partners []models.Partner
	query := `SELECT ` + partnerColumns + ` FROM partners WHERE id = ANY($1)`
	if err := sqlx.SelectContext(ctx, r.db, &partners, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("get partners: %w", err)
	}
	for i := range partners {
		result[partners[i].ID] = &partners[i]
	}
	return result, nil
}
