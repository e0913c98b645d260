package service

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/pkg/config"
)

// Commission is the outcome of pricing a won deal.
type Commission struct {
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
	// Override is true when an executive-negotiated rate replaced the partner rate.
	Override bool `json:"override"`
}

// CommissionCalculator prices won deals from partner tier terms.
type CommissionCalculator struct {
	schedule models.TierSchedule
}

// NewCommissionCalculator constructs the calculator. An empty schedule falls back to the default tiers.
func NewCommissionCalculator(schedule models.TierSchedule) *CommissionCalculator {
	if len(schedule) == 0 {
		schedule = models.DefaultTierSchedule()
	}
	return &CommissionCalculator{schedule: schedule}
}

// TierScheduleFromConfig builds tier terms from configuration. Tiers configured
// with a zero rate keep the default rate.
func TierScheduleFromConfig(cfg config.TierConfig) models.TierSchedule {
	schedule := models.DefaultTierSchedule()
	apply := func(tier models.PartnerTier, d config.TierDefaults) {
		terms := schedule[tier]
		if d.CommissionRate.IsPositive() {
			terms.CommissionRate = models.ClampRate(d.CommissionRate)
		}
		if !d.MDFBudget.IsNegative() {
			terms.MDFBudget = d.MDFBudget
		}
		schedule[tier] = terms
	}
	apply(models.TierStandard, cfg.Standard)
	apply(models.TierBronze, cfg.Bronze)
	apply(models.TierSilver, cfg.Silver)
	apply(models.TierGold, cfg.Gold)
	return schedule
}

// Schedule returns the tier terms in use.
func (c *CommissionCalculator) Schedule() models.TierSchedule {
	return c.schedule
}

// Rate picks the executive override when present, otherwise the partner's effective rate.
func (c *CommissionCalculator) Rate(partner *models.Partner, override *decimal.Decimal) (decimal.Decimal, bool) {
	if override != nil {
		return models.ClampRate(*override), true
	}
	if partner == nil {
		return decimal.Zero, false
	}
	return partner.EffectiveCommissionRate(c.schedule), false
}

// Calculate returns round(value * rate / 100, 2), never below zero.
func (c *CommissionCalculator) Calculate(value decimal.Decimal, partner *models.Partner, override *decimal.Decimal) Commission {
	rate, overridden := c.Rate(partner, override)
	amount := value.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return Commission{Rate: rate, Amount: amount, Override: overridden}
}
