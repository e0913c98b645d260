package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ScoringRuleCategory selects the predicate a rule evaluates.
type ScoringRuleCategory string

const (
	CategoryDealValue          ScoringRuleCategory = "DEAL_VALUE"
	CategoryIndustryMatch      ScoringRuleCategory = "INDUSTRY_MATCH"
	CategoryPartnerTier        ScoringRuleCategory = "PARTNER_TIER"
	CategoryProductInterest    ScoringRuleCategory = "PRODUCT_INTEREST"
	CategoryCloseDateWindow    ScoringRuleCategory = "CLOSE_DATE_WINDOW"
	CategoryDescriptionPresent ScoringRuleCategory = "DESCRIPTION_PRESENT"
)

// Valid reports whether c is a known category.
func (c ScoringRuleCategory) Valid() bool {
	switch c {
	case CategoryDealValue, CategoryIndustryMatch, CategoryPartnerTier,
		CategoryProductInterest, CategoryCloseDateWindow, CategoryDescriptionPresent:
		return true
	}
	return false
}

// ScoringRule is one weighted criterion of a rule set.
type ScoringRule struct {
	ID             string              `db:"id" json:"id"`
	RuleSetVersion int                 `db:"rule_set_version" json:"ruleSetVersion"`
	Name           string              `db:"name" json:"name"`
	Category       ScoringRuleCategory `db:"category" json:"category"`
	Weight         int                 `db:"weight" json:"weight"`
	Active         bool                `db:"active" json:"active"`
	Params         types.JSONText      `db:"params" json:"params"`
	CreatedAt      time.Time           `db:"created_at" json:"createdAt"`
}

// RuleSet is an immutable, versioned collection of scoring rules.
type RuleSet struct {
	Version     int           `json:"version"`
	Rules       []ScoringRule `json:"rules"`
	PublishedBy string        `json:"publishedBy,omitempty"`
	PublishedAt time.Time     `json:"publishedAt"`
}

// ActiveRules returns the enabled rules.
func (r RuleSet) ActiveRules() []ScoringRule {
	out := make([]ScoringRule, 0, len(r.Rules))
	for _, rule := range r.Rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out
}

// RuleContribution records how one rule contributed to a score.
type RuleContribution struct {
	RuleID   string              `json:"ruleId"`
	Name     string              `json:"name"`
	Category ScoringRuleCategory `json:"category"`
	Weight   int                 `json:"weight"`
	Fraction float64             `json:"fraction"`
	Points   float64             `json:"points"`
}

// ScoreResult is the deterministic output of scoring one deal.
type ScoreResult struct {
	Score          int                `json:"score"`
	RuleSetVersion int                `json:"ruleSetVersion"`
	Breakdown      []RuleContribution `json:"breakdown"`
	Neutral        bool               `json:"neutral,omitempty"`
}
