package models

import "time"

// ConflictType classifies overlapping registrations.
type ConflictType string

const (
	ConflictChannel         ConflictType = "CHANNEL"
	ConflictTerritory       ConflictType = "TERRITORY"
	ConflictCustomerOverlap ConflictType = "CUSTOMER_OVERLAP"
)

// Valid reports whether t is a known conflict type.
func (t ConflictType) Valid() bool {
	return t == ConflictChannel || t == ConflictTerritory || t == ConflictCustomerOverlap
}

// Severity grades a conflict. HIGH blocks approval while unresolved.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities from LOW (0) to HIGH (2).
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	}
	return 0
}

// ConflictStatus tracks a conflict through resolution.
type ConflictStatus string

const (
	ConflictDetected  ConflictStatus = "DETECTED"
	ConflictEscalated ConflictStatus = "ESCALATED"
	ConflictResolved  ConflictStatus = "RESOLVED"
)

// Valid reports whether s is a known status.
func (s ConflictStatus) Valid() bool {
	return s == ConflictDetected || s == ConflictEscalated || s == ConflictResolved
}

// Open reports whether the conflict still awaits resolution.
func (s ConflictStatus) Open() bool {
	return s == ConflictDetected || s == ConflictEscalated
}

// ResolutionStrategy names how a winner is chosen.
type ResolutionStrategy string

const (
	StrategyTierBased       ResolutionStrategy = "TIER_BASED"
	StrategyFirstToRegister ResolutionStrategy = "FIRST_TO_REGISTER"
	StrategyManual          ResolutionStrategy = "MANUAL"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	return s == StrategyTierBased || s == StrategyFirstToRegister || s == StrategyManual
}

// ConflictRecord links two deals competing for the same customer or territory.
// DealAID < DealBID always holds so each pair has exactly one record.
type ConflictRecord struct {
	ID                 string              `db:"id" json:"id"`
	DealAID            string              `db:"deal_a_id" json:"dealAId"`
	DealBID            string              `db:"deal_b_id" json:"dealBId"`
	ConflictType       ConflictType        `db:"conflict_type" json:"conflictType"`
	Severity           Severity            `db:"severity" json:"severity"`
	Status             ConflictStatus      `db:"status" json:"status"`
	ResolutionStrategy *ResolutionStrategy `db:"resolution_strategy" json:"resolutionStrategy,omitempty"`
	ResolutionNotes    *string             `db:"resolution_notes" json:"resolutionNotes,omitempty"`
	AutoResolve        bool                `db:"auto_resolve" json:"autoResolve"`
	WinningDealID      *string             `db:"winning_deal_id" json:"winningDealId,omitempty"`
	LosingDealID       *string             `db:"losing_deal_id" json:"losingDealId,omitempty"`
	ResolvedBy         *string             `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time          `db:"resolved_at" json:"resolvedAt,omitempty"`
	Version            int                 `db:"version" json:"version"`
	DetectedAt         time.Time           `db:"detected_at" json:"detectedAt"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updatedAt"`
}

// Other returns the counterpart of dealID in the pair.
func (c *ConflictRecord) Other(dealID string) string {
	if c.DealAID == dealID {
		return c.DealBID
	}
	return c.DealAID
}

// Involves reports whether dealID is one side of the pair.
func (c *ConflictRecord) Involves(dealID string) bool {
	return c.DealAID == dealID || c.DealBID == dealID
}

// Clone returns a copy safe to mutate.
func (c *ConflictRecord) Clone() *ConflictRecord {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// CanonicalPair orders two deal ids lexicographically.
func CanonicalPair(x, y string) (string, string) {
	if y < x {
		return y, x
	}
	return x, y
}

// ConflictFilter constrains conflict listings.
type ConflictFilter struct {
	Status   []ConflictStatus
	Type     ConflictType
	Severity Severity
	DealID   string
	Limit    int
	Offset   int
}
