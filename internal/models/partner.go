package models

import "github.com/shopspring/decimal"

// PartnerTier ranks partners for commission and conflict precedence.
type PartnerTier string

const (
	TierStandard PartnerTier = "STANDARD"
	TierBronze   PartnerTier = "BRONZE"
	TierSilver   PartnerTier = "SILVER"
	TierGold     PartnerTier = "GOLD"
)

// Rank orders tiers from Standard (0) to Gold (3).
func (t PartnerTier) Rank() int {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 2
	case TierGold:
		return 3
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t PartnerTier) Valid() bool {
	switch t {
	case TierStandard, TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// PartnerStatus tracks the partner relationship.
type PartnerStatus string

const (
	PartnerProspect   PartnerStatus = "PROSPECT"
	PartnerActive     PartnerStatus = "ACTIVE"
	PartnerInactive   PartnerStatus = "INACTIVE"
	PartnerSuspended  PartnerStatus = "SUSPENDED"
	PartnerTerminated PartnerStatus = "TERMINATED"
)

// TierTerms carries a tier's default commission rate (percent) and MDF budget.
type TierTerms struct {
	CommissionRate decimal.Decimal `json:"commissionRate"`
	MDFBudget      decimal.Decimal `json:"mdfBudget"`
}

// TierSchedule maps each tier to its default terms.
type TierSchedule map[PartnerTier]TierTerms

// DefaultTierSchedule is used when configuration provides nothing else.
func DefaultTierSchedule() TierSchedule {
	return TierSchedule{
		TierStandard: {CommissionRate: decimal.NewFromInt(5), MDFBudget: decimal.Zero},
		TierBronze:   {CommissionRate: decimal.NewFromInt(8), MDFBudget: decimal.NewFromInt(5000)},
		TierSilver:   {CommissionRate: decimal.NewFromInt(10), MDFBudget: decimal.NewFromInt(15000)},
		TierGold:     {CommissionRate: decimal.NewFromInt(12), MDFBudget: decimal.NewFromInt(30000)},
	}
}

// Partner is a reseller or referral organisation.
type Partner struct {
	ID             string           `db:"id" json:"id"`
	Name           string           `db:"name" json:"name"`
	Tier           PartnerTier      `db:"tier" json:"tier"`
	CommissionRate *decimal.Decimal `db:"commission_rate" json:"commissionRate,omitempty"`
	MDFBudget      *decimal.Decimal `db:"mdf_budget" json:"mdfBudget,omitempty"`
	Status         PartnerStatus    `db:"status" json:"status"`
}

var hundred = decimal.NewFromInt(100)

// EffectiveCommissionRate returns the partner override or the tier default,
// clamped into [0, 100].
func (p *Partner) EffectiveCommissionRate(schedule TierSchedule) decimal.Decimal {
	rate := decimal.Zero
	if p.CommissionRate != nil {
		rate = *p.CommissionRate
	} else if terms, ok := schedule[p.Tier]; ok {
		rate = terms.CommissionRate
	}
	return ClampRate(rate)
}

// EffectiveMDFBudget returns the override or tier default budget, never negative.
func (p *Partner) EffectiveMDFBudget(schedule TierSchedule) decimal.Decimal {
	budget := schedule[p.Tier].MDFBudget
	if p.MDFBudget != nil {
		budget = *p.MDFBudget
	}
	if budget.IsNegative() {
		return decimal.Zero
	}
	return budget
}

// ClampRate bounds a percentage into [0, 100].
func ClampRate(rate decimal.Decimal) decimal.Decimal {
	if rate.IsNegative() {
		return decimal.Zero
	}
	if rate.GreaterThan(hundred) {
		return hundred
	}
	return rate
}
