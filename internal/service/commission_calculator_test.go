package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/pkg/config"
)

func TestCommissionCalculator(t *testing.T) {
	calc := NewCommissionCalculator(nil)
	custom := decimal.RequireFromString("7.5")
	tooHigh := decimal.NewFromInt(150)

	cases := []struct {
		name     string
		value    string
		partner  *models.Partner
		override *decimal.Decimal
		rate     string
		amount   string
	}{
		{"gold tier default", "250000", &models.Partner{Tier: models.TierGold}, nil, "12", "30000.00"},
		{"standard tier default", "999.99", &models.Partner{Tier: models.TierStandard}, nil, "5", "50.00"},
		{"partner specific rate", "12345.67", &models.Partner{Tier: models.TierSilver, CommissionRate: &custom}, nil, "7.5", "925.93"},
		{"executive override", "600000", &models.Partner{Tier: models.TierBronze}, decimalPtr("10"), "10", "60000.00"},
		{"override clamped", "100", &models.Partner{Tier: models.TierBronze}, &tooHigh, "100", "100.00"},
		{"no partner", "100", nil, nil, "0", "0.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calc.Calculate(decimal.RequireFromString(tc.value), tc.partner, tc.override)
			assert.Equal(t, tc.rate, got.Rate.String())
			assert.Equal(t, tc.amount, got.Amount.StringFixed(2))
			assert.Equal(t, tc.override != nil, got.Override)
		})
	}
}

func TestCommissionCalculatorCustomSchedule(t *testing.T) {
	schedule := models.DefaultTierSchedule()
	schedule[models.TierGold] = models.TierTerms{CommissionRate: decimal.NewFromInt(15)}
	calc := NewCommissionCalculator(schedule)

	got := calc.Calculate(decimal.NewFromInt(1000), &models.Partner{Tier: models.TierGold}, nil)
	assert.Equal(t, "150.00", got.Amount.StringFixed(2))
}

func TestTierScheduleFromConfig(t *testing.T) {
	schedule := TierScheduleFromConfig(config.TierConfig{
		Gold:   config.TierDefaults{CommissionRate: decimal.NewFromInt(14), MDFBudget: decimal.NewFromInt(40000)},
		Silver: config.TierDefaults{CommissionRate: decimal.Zero, MDFBudget: decimal.NewFromInt(1000)},
	})
	assert.Equal(t, "14", schedule[models.TierGold].CommissionRate.String())
	assert.Equal(t, "40000", schedule[models.TierGold].MDFBudget.String())
	assert.Equal(t, "10", schedule[models.TierSilver].CommissionRate.String())
	assert.Equal(t, "1000", schedule[models.TierSilver].MDFBudget.String())
	assert.Equal(t, "8", schedule[models.TierBronze].CommissionRate.String())
}

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}
