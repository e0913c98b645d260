package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/repository"
)

// memoryState is one consistent snapshot of every table. Committed snapshots
// are never mutated; transactions work on a clone and swap it in on success.
type memoryState struct {
	deals     map[string]*models.Deal
	partners  map[string]*models.Partner
	conflicts map[string]*models.ConflictRecord
	gates     map[string][]models.DealGateApproval
	ruleSets  []*models.RuleSet
	audit     []*models.AuditLogEntry
	seq       int
}

func newMemoryState() *memoryState {
	return &memoryState{
		deals:     make(map[string]*models.Deal),
		partners:  make(map[string]*models.Partner),
		conflicts: make(map[string]*models.ConflictRecord),
		gates:     make(map[string][]models.DealGateApproval),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, d := range s.deals {
		c.deals[id] = d.Clone()
	}
	for id, p := range s.partners {
		cp := *p
		c.partners[id] = &cp
	}
	for id, r := range s.conflicts {
		c.conflicts[id] = r.Clone()
	}
	for id, g := range s.gates {
		c.gates[id] = append([]models.DealGateApproval(nil), g...)
	}
	c.ruleSets = append(c.ruleSets, s.ruleSets...)
	c.audit = append(c.audit, s.audit...)
	c.seq = s.seq
	return c
}

func (s *memoryState) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%03d", prefix, s.seq)
}

// memoryDB is an in-memory UnitOfWork. Transactions are serialised.
type memoryDB struct {
	mu        sync.Mutex
	state     *memoryState
	lockCalls [][]string
}

func newMemoryDB() *memoryDB {
	return &memoryDB{state: newMemoryState()}
}

func (db *memoryDB) Within(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	work := db.state.clone()
	if err := fn(ctx, storesFor(work, db)); err != nil {
		return err
	}
	db.state = work
	return nil
}

func (db *memoryDB) snapshot() *memoryState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// seed applies fn directly to the committed state.
func (db *memoryDB) seed(fn func(s *memoryState)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	work := db.state.clone()
	fn(work)
	db.state = work
}

func (db *memoryDB) deal(id string) *models.Deal {
	return db.snapshot().deals[id].Clone()
}

func (db *memoryDB) conflictsOf(dealID string) []models.ConflictRecord {
	var out []models.ConflictRecord
	for _, r := range db.snapshot().conflicts {
		if r.Involves(dealID) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memoryDB) auditFor(entityID string) []models.AuditLogEntry {
	var out []models.AuditLogEntry
	for _, e := range db.snapshot().audit {
		if e.EntityID == entityID {
			out = append(out, *e)
		}
	}
	return out
}

func storesFor(s *memoryState, db *memoryDB) Stores {
	return Stores{
		Deals:     memDeals{s},
		Partners:  memPartners{s},
		Conflicts: memConflicts{s},
		Gates:     memGates{s},
		Rules:     memRules{s},
		Audit:     memAudit{s},
		Locks:     memLocker{db},
	}
}

// committed views serve reads outside a transaction.
type committedDeals struct{ db *memoryDB }

func (c committedDeals) GetByID(ctx context.Context, id string) (*models.Deal, error) {
	return memDeals{c.db.snapshot()}.GetByID(ctx, id)
}

func (c committedDeals) List(ctx context.Context, filter models.DealFilter) ([]models.Deal, int, error) {
	return memDeals{c.db.snapshot()}.List(ctx, filter)
}

func (c committedDeals) ListWonForPartner(ctx context.Context, partnerID string, from, to time.Time) ([]models.Deal, error) {
	return memDeals{c.db.snapshot()}.ListWonForPartner(ctx, partnerID, from, to)
}

type committedGates struct{ db *memoryDB }

func (c committedGates) ListByDeal(ctx context.Context, dealID string) ([]models.DealGateApproval, error) {
	return memGates{c.db.snapshot()}.ListByDeal(ctx, dealID)
}

type committedConflicts struct{ db *memoryDB }

func (c committedConflicts) GetByID(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return memConflicts{c.db.snapshot()}.GetByID(ctx, id)
}

func (c committedConflicts) List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, int, error) {
	return memConflicts{c.db.snapshot()}.List(ctx, filter)
}

type committedPartners struct{ db *memoryDB }

func (c committedPartners) GetByID(ctx context.Context, id string) (*models.Partner, error) {
	return memPartners{c.db.snapshot()}.GetByID(ctx, id)
}

type committedRules struct{ db *memoryDB }

func (c committedRules) ActiveRuleSet(ctx context.Context) (*models.RuleSet, error) {
	return memRules{c.db.snapshot()}.ActiveRuleSet(ctx)
}

func (c committedRules) RuleSetByVersion(ctx context.Context, version int) (*models.RuleSet, error) {
	return memRules{c.db.snapshot()}.RuleSetByVersion(ctx, version)
}

// committedAudit appends outside any transaction, like the failure writer.
type committedAudit struct{ db *memoryDB }

func (c committedAudit) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	c.db.seed(func(s *memoryState) {
		_ = memAudit{s}.Append(ctx, entry)
	})
	return nil
}

func (c committedAudit) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, int, error) {
	return memAudit{c.db.snapshot()}.List(ctx, filter)
}

type memDeals struct{ s *memoryState }

func (m memDeals) Create(ctx context.Context, deal *models.Deal) error {
	if deal.ID == "" {
		deal.ID = m.s.nextID("deal")
	}
	if _, exists := m.s.deals[deal.ID]; exists {
		return fmt.Errorf("duplicate deal %s", deal.ID)
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = time.Now().UTC()
	}
	deal.UpdatedAt = deal.CreatedAt
	deal.Version = 1
	if deal.Territories == nil {
		deal.Territories = pq.StringArray{}
	}
	if deal.ProductInterests == nil {
		deal.ProductInterests = pq.StringArray{}
	}
	m.s.deals[deal.ID] = deal.Clone()
	return nil
}

func (m memDeals) GetByID(ctx context.Context, id string) (*models.Deal, error) {
	d, ok := m.s.deals[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return d.Clone(), nil
}

func (m memDeals) GetForUpdate(ctx context.Context, id string) (*models.Deal, error) {
	return m.GetByID(ctx, id)
}

func (m memDeals) Update(ctx context.Context, deal *models.Deal) error {
	stored, ok := m.s.deals[deal.ID]
	if !ok || stored.Version != deal.Version {
		return repository.ErrStaleVersion
	}
	deal.Version++
	deal.UpdatedAt = time.Now().UTC()
	m.s.deals[deal.ID] = deal.Clone()
	return nil
}

func (m memDeals) FindConflictCandidates(ctx context.Context, dealID, accountKey string, territories []string) ([]models.Deal, error) {
	tags := make(map[string]bool, len(territories))
	for _, t := range territories {
		tags[t] = true
	}
	var out []models.Deal
	for _, d := range m.s.deals {
		if d.ID == dealID || d.Stage == models.StageLost || d.Stage == models.StageRejected {
			continue
		}
		match := d.AccountKey == accountKey
		for _, t := range d.Territories {
			if tags[t] {
				match = true
			}
		}
		if match {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memDeals) List(ctx context.Context, filter models.DealFilter) ([]models.Deal, int, error) {
	stages := make(map[models.DealStage]bool, len(filter.Stages))
	for _, s := range filter.Stages {
		stages[s] = true
	}
	var out []models.Deal
	for _, d := range m.s.deals {
		if filter.PartnerID != "" && d.PartnerID != filter.PartnerID {
			continue
		}
		if len(stages) > 0 && !stages[d.Stage] {
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if filter.Offset >= len(out) {
		return []models.Deal{}, total, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (m memDeals) ListWonForPartner(ctx context.Context, partnerID string, from, to time.Time) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range m.s.deals {
		if d.PartnerID != partnerID || d.Stage != models.StageWon || d.ClosedAt == nil {
			continue
		}
		if d.ClosedAt.Before(from) || !d.ClosedAt.Before(to) {
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memDeals) PipelineOverview(ctx context.Context) ([]models.StageSummary, error) {
	sums := make(map[models.DealStage]*models.StageSummary)
	for _, d := range m.s.deals {
		sum, ok := sums[d.Stage]
		if !ok {
			sum = &models.StageSummary{Stage: d.Stage}
			sums[d.Stage] = sum
		}
		sum.Count++
		sum.TotalValue = sum.TotalValue.Add(d.DealValue)
	}
	out := make([]models.StageSummary, 0, len(sums))
	for _, sum := range sums {
		out = append(out, *sum)
	}
	return out, nil
}

type memPartners struct{ s *memoryState }

func (m memPartners) GetByID(ctx context.Context, id string) (*models.Partner, error) {
	p, ok := m.s.partners[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m memPartners) GetMany(ctx context.Context, ids []string) (map[string]*models.Partner, error) {
	out := make(map[string]*models.Partner, len(ids))
	for _, id := range ids {
		if p, ok := m.s.partners[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

type memConflicts struct{ s *memoryState }

func (m memConflicts) Create(ctx context.Context, record *models.ConflictRecord) (bool, error) {
	record.DealAID, record.DealBID = models.CanonicalPair(record.DealAID, record.DealBID)
	if _, err := m.FindByPair(ctx, record.DealAID, record.DealBID); err == nil {
		return false, nil
	}
	if record.ID == "" {
		record.ID = m.s.nextID("conflict")
	}
	if record.DetectedAt.IsZero() {
		record.DetectedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.DetectedAt
	record.Version = 1
	m.s.conflicts[record.ID] = record.Clone()
	return true, nil
}

func (m memConflicts) FindByPair(ctx context.Context, dealX, dealY string) (*models.ConflictRecord, error) {
	a, b := models.CanonicalPair(dealX, dealY)
	for _, r := range m.s.conflicts {
		if r.DealAID == a && r.DealBID == b {
			return r.Clone(), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memConflicts) GetByID(ctx context.Context, id string) (*models.ConflictRecord, error) {
	r, ok := m.s.conflicts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return r.Clone(), nil
}

func (m memConflicts) GetForUpdate(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return m.GetByID(ctx, id)
}

func (m memConflicts) Update(ctx context.Context, record *models.ConflictRecord) error {
	stored, ok := m.s.conflicts[record.ID]
	if !ok || stored.Version != record.Version {
		return repository.ErrStaleVersion
	}
	record.Version++
	record.UpdatedAt = time.Now().UTC()
	m.s.conflicts[record.ID] = record.Clone()
	return nil
}

func (m memConflicts) ListOpenByDeal(ctx context.Context, dealID string) ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord
	for _, r := range m.s.conflicts {
		if r.Involves(dealID) && r.Status.Open() {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memConflicts) List(ctx context.Context, filter models.ConflictFilter) ([]models.ConflictRecord, int, error) {
	statuses := make(map[models.ConflictStatus]bool, len(filter.Status))
	for _, s := range filter.Status {
		statuses[s] = true
	}
	var out []models.ConflictRecord
	for _, r := range m.s.conflicts {
		if len(statuses) > 0 && !statuses[r.Status] {
			continue
		}
		if filter.Type != "" && r.ConflictType != filter.Type {
			continue
		}
		if filter.Severity != "" && r.Severity != filter.Severity {
			continue
		}
		if filter.DealID != "" && !r.Involves(filter.DealID) {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

type memGates struct{ s *memoryState }

func (m memGates) ListByDeal(ctx context.Context, dealID string) ([]models.DealGateApproval, error) {
	return append([]models.DealGateApproval(nil), m.s.gates[dealID]...), nil
}

func (m memGates) Upsert(ctx context.Context, approval *models.DealGateApproval) error {
	list := m.s.gates[approval.DealID]
	for i := range list {
		if list[i].Gate == approval.Gate {
			list[i] = *approval
			return nil
		}
	}
	m.s.gates[approval.DealID] = append(list, *approval)
	return nil
}

func (m memGates) DeleteByDeal(ctx context.Context, dealID string) error {
	delete(m.s.gates, dealID)
	return nil
}

type memRules struct{ s *memoryState }

func (m memRules) ActiveRuleSet(ctx context.Context) (*models.RuleSet, error) {
	if len(m.s.ruleSets) == 0 {
		return &models.RuleSet{Rules: []models.ScoringRule{}}, nil
	}
	set := *m.s.ruleSets[len(m.s.ruleSets)-1]
	return &set, nil
}

func (m memRules) RuleSetByVersion(ctx context.Context, version int) (*models.RuleSet, error) {
	for _, set := range m.s.ruleSets {
		if set.Version == version {
			cp := *set
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memRules) PublishRuleSet(ctx context.Context, set *models.RuleSet) error {
	set.Version = len(m.s.ruleSets) + 1
	if set.PublishedAt.IsZero() {
		set.PublishedAt = time.Now().UTC()
	}
	rules := make([]models.ScoringRule, len(set.Rules))
	for i, rule := range set.Rules {
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d-%d", set.Version, i)
		}
		rule.RuleSetVersion = set.Version
		rule.CreatedAt = set.PublishedAt
		if len(rule.Params) == 0 {
			rule.Params = types.JSONText("{}")
		}
		rules[i] = rule
	}
	set.Rules = rules
	stored := *set
	stored.Rules = append([]models.ScoringRule(nil), rules...)
	m.s.ruleSets = append(m.s.ruleSets, &stored)
	return nil
}

type memAudit struct{ s *memoryState }

func (m memAudit) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = m.s.nextID("audit")
	}
	cp := *entry
	m.s.audit = append(m.s.audit, &cp)
	return nil
}

func (m memAudit) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, int, error) {
	var out []models.AuditLogEntry
	for _, e := range m.s.audit {
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		out = append(out, *e)
	}
	return out, len(out), nil
}

type memLocker struct{ db *memoryDB }

// LockKeys runs under db.mu already held by Within.
func (m memLocker) LockKeys(ctx context.Context, keys ...string) error {
	m.db.lockCalls = append(m.db.lockCalls, append([]string(nil), keys...))
	return nil
}
