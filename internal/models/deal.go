package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// DealStage is the lifecycle position of a deal registration.
type DealStage string

const (
	StageSubmitted DealStage = "SUBMITTED"
	StageQualified DealStage = "QUALIFIED"
	StageInReview  DealStage = "IN_REVIEW"
	StageApproved  DealStage = "APPROVED"
	StageRejected  DealStage = "REJECTED"
	StageWon       DealStage = "WON"
	StageLost      DealStage = "LOST"
)

// AllStages lists stages in pipeline order.
var AllStages = []DealStage{StageSubmitted, StageQualified, StageInReview, StageApproved, StageRejected, StageWon, StageLost}

// Valid reports whether s is a known stage.
func (s DealStage) Valid() bool {
	switch s {
	case StageSubmitted, StageQualified, StageInReview, StageApproved, StageRejected, StageWon, StageLost:
		return true
	}
	return false
}

// Rank orders the forward path. REJECTED is a side state and ranks with SUBMITTED.
func (s DealStage) Rank() int {
	switch s {
	case StageQualified:
		return 1
	case StageInReview:
		return 2
	case StageApproved:
		return 3
	case StageWon, StageLost:
		return 4
	}
	return 0
}

// Terminal stages accept no further transitions.
func (s DealStage) Terminal() bool {
	return s == StageWon || s == StageLost
}

// DealStatus is the human-readable status shown next to the stage.
type DealStatus string

const (
	StatusUnderReview         DealStatus = "Under Review"
	StatusNeedsInfo           DealStatus = "Needs Info"
	StatusQualified           DealStatus = "Qualified"
	StatusPendingApproval     DealStatus = "Pending Approval"
	StatusApproved            DealStatus = "Approved"
	StatusRejected            DealStatus = "Rejected"
	StatusWon                 DealStatus = "Won"
	StatusLost                DealStatus = "Lost"
	StatusWithdrawn           DealStatus = "Withdrawn"
	StatusSupersededByTier    DealStatus = "Superseded by higher-tier partner"
	StatusSupersededByEarlier DealStatus = "Superseded by earlier registration"
	StatusSupersededByManual  DealStatus = "Superseded by manual decision"
)

// RiskLevel is the registrant-assessed deal risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Deal is a partner's registered sales opportunity.
type Deal struct {
	ID                   string           `db:"id" json:"id"`
	PartnerID            string           `db:"partner_id" json:"partnerId"`
	AccountName          string           `db:"account_name" json:"accountName"`
	AccountKey           string           `db:"account_key" json:"accountKey"`
	DealValue            decimal.Decimal  `db:"deal_value" json:"dealValue"`
	Currency             string           `db:"currency" json:"currency"`
	Industry             string           `db:"industry" json:"industry,omitempty"`
	Territories          pq.StringArray   `db:"territories" json:"territories"`
	ProductInterests     pq.StringArray   `db:"product_interests" json:"productInterests"`
	ExpectedCloseDate    *time.Time       `db:"expected_close_date" json:"expectedCloseDate,omitempty"`
	Description          string           `db:"description" json:"description,omitempty"`
	RiskLevel            RiskLevel        `db:"risk_level" json:"riskLevel"`
	Stage                DealStage        `db:"stage" json:"stage"`
	Status               DealStatus       `db:"status" json:"status"`
	Score                *int             `db:"score" json:"score,omitempty"`
	ScoreRuleVersion     *int             `db:"score_rule_version" json:"scoreRuleVersion,omitempty"`
	ScoreFrozen          bool             `db:"score_frozen" json:"scoreFrozen"`
	HasConflict          bool             `db:"has_conflict" json:"hasConflict"`
	ConflictType         *ConflictType    `db:"conflict_type" json:"conflictType,omitempty"`
	RejectionReason      *string          `db:"rejection_reason" json:"rejectionReason,omitempty"`
	RejectedAt           *time.Time       `db:"rejected_at" json:"rejectedAt,omitempty"`
	RejectedBy           *string          `db:"rejected_by" json:"rejectedBy,omitempty"`
	CommissionRate       *decimal.Decimal `db:"commission_rate" json:"commissionRate,omitempty"`
	CommissionAmount     *decimal.Decimal `db:"commission_amount" json:"commissionAmount,omitempty"`
	CommissionComputedAt *time.Time       `db:"commission_computed_at" json:"commissionComputedAt,omitempty"`
	ClosedAt             *time.Time       `db:"closed_at" json:"closedAt,omitempty"`
	Version              int              `db:"version" json:"version"`
	CreatedAt            time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy so callers can diff before/after states.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	c := *d
	c.Territories = append(pq.StringArray(nil), d.Territories...)
	c.ProductInterests = append(pq.StringArray(nil), d.ProductInterests...)
	return &c
}

// DealFilter constrains listing queries.
type DealFilter struct {
	PartnerID string
	Stages    []DealStage
	Limit     int
	Offset    int
}

var legalSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {}, "llc": {}, "ltd": {}, "limited": {},
	"corp": {}, "corporation": {}, "co": {}, "plc": {}, "gmbh": {}, "ag": {}, "sa": {},
}

// NormalizeAccountKey derives the comparison key for customer accounts:
// lowercased, punctuation stripped, whitespace collapsed and trailing legal
// suffixes removed. "Acme, Inc." and "ACME" share a key.
func NormalizeAccountKey(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		}
		return ' '
	}, name)

	words := strings.Fields(cleaned)
	for len(words) > 1 {
		if _, ok := legalSuffixes[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// NormalizeTags lowercases, trims and de-duplicates free-form tags, keeping order.
func NormalizeTags(tags []string) pq.StringArray {
	out := make(pq.StringArray, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// StageSummary aggregates deals sitting in one stage.
type StageSummary struct {
	Stage      DealStage       `db:"stage" json:"stage"`
	Count      int             `db:"count" json:"count"`
	TotalValue decimal.Decimal `db:"total_value" json:"totalValue"`
}

// PipelineOverview maps each stage to its summary.
type PipelineOverview struct {
	Stages      map[DealStage]StageSummary `json:"stages"`
	GeneratedAt time.Time                  `json:"generatedAt"`
}
