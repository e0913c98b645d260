package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/repository"
	"github.com/noah-isme/prm-deal-api/pkg/database"
)

// DealStore persists deals.
type DealStore interface {
	Create(ctx context.Context, deal *models.Deal) error
	GetByID(ctx context.Context, id string) (*models.Deal, error)
	GetForUpdate(ctx context.Context, id string) (*models.Deal, error)
	Update(ctx context.Context, deal *models.Deal) error
	FindConflictCandidates(ctx context.Context, dealID, accountKey string, territories []string) ([]models.Deal, error)
	List(ctx context.Context, filter models.DealFilter) ([]models.Deal, int, error)
}

// PartnerStore reads partner master data.
type PartnerStore interface {
	GetByID(ctx context.Context, id string) (*models.Partner, error)
	GetMany(ctx context.Context, ids []string) (map[string]*models.Partner, error)
}

// ConflictStore persists conflict records.
type ConflictStore interface {
	Create(ctx context.Context, record *models.ConflictRecord) (bool, error)
	FindByPair(ctx context.Context, dealX, dealY string) (*models.ConflictRecord, error)
	GetByID(ctx context.Context, id string) (*models.ConflictRecord, error)
	GetForUpdate(ctx context.Context, id string) (*models.ConflictRecord, error)
	Update(ctx context.Context, record *models.ConflictRecord) error
	ListOpenByDeal(ctx context.Context, dealID string) ([]models.ConflictRecord, error)
	List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, int, error)
}

// GateStore persists approval gate decisions.
type GateStore interface {
	ListByDeal(ctx context.Context, dealID string) ([]models.DealGateApproval, error)
	Upsert(ctx context.Context, approval *models.DealGateApproval) error
	DeleteByDeal(ctx context.Context, dealID string) error
}

// RuleSetStore reads and publishes scoring rule sets.
type RuleSetStore interface {
	ActiveRuleSet(ctx context.Context) (*models.RuleSet, error)
	PublishRuleSet(ctx context.Context, set *models.RuleSet) error
}

// AuditAppender writes audit entries.
type AuditAppender interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
}

// KeyLocker serialises work on logical keys for the rest of the transaction.
type KeyLocker interface {
	LockKeys(ctx context.Context, keys ...string) error
}

// WonDealLister reads won deals for commission statements.
type WonDealLister interface {
	ListWonForPartner(ctx context.Context, partnerID string, from, to time.Time) ([]models.Deal, error)
}

// Stores groups the repositories bound to one transaction.
type Stores struct {
	Deals     DealStore
	Partners  PartnerStore
	Conflicts ConflictStore
	Gates     GateStore
	Rules     RuleSetStore
	Audit     AuditAppender
	Locks     KeyLocker
}

// UnitOfWork runs fn atomically: every write made through the provided stores
// commits when fn returns nil and is discarded otherwise.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// SQLUnitOfWork binds repositories to a database transaction.
type SQLUnitOfWork struct {
	db *sqlx.DB
}

// NewSQLUnitOfWork constructs the unit of work.
func NewSQLUnitOfWork(db *sqlx.DB) *SQLUnitOfWork {
	return &SQLUnitOfWork{db: db}
}

// Within implements UnitOfWork.
func (u *SQLUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	return database.WithTx(ctx, u.db, func(tx *sqlx.Tx) error {
		return fn(ctx, Stores{
			Deals:     repository.NewDealRepository(tx),
			Partners:  repository.NewPartnerRepository(tx),
			Conflicts: repository.NewConflictRepository(tx),
			Gates:     repository.NewGateRepository(tx),
			Rules:     repository.NewScoringRuleRepository(tx),
			Audit:     repository.NewAuditRepository(tx),
			Locks:     repository.NewLockRepository(tx),
		})
	})
}
