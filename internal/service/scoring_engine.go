package service

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

const defaultNeutralScore = 50

// MissingScoringInputsError lists deal fields an active rule needs but the deal lacks.
type MissingScoringInputsError struct {
	Fields []string
}

func (e *MissingScoringInputsError) Error() string {
	return "missing scoring inputs: " + strings.Join(e.Fields, ", ")
}

type dealValueParams struct {
	Full            decimal.Decimal `json:"full"`
	Partial         decimal.Decimal `json:"partial"`
	PartialFraction *float64        `json:"partialFraction"`
}

type industryParams struct {
	Industries []string `json:"industries"`
}

type tierParams struct {
	Fractions map[models.PartnerTier]float64 `json:"fractions"`
}

type productParams struct {
	Products   []string `json:"products"`
	MinMatches int      `json:"minMatches"`
}

type closeDateParams struct {
	Days int `json:"days"`
}

// ScoringEngine computes deterministic 0-100 quality scores from a rule set.
type ScoringEngine struct {
	neutral int
	logger  *zap.Logger
}

// NewScoringEngine constructs the engine. neutral is returned when a rule set has no active rules.
func NewScoringEngine(neutral int, logger *zap.Logger) *ScoringEngine {
	if neutral <= 0 || neutral > 100 {
		neutral = defaultNeutralScore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoringEngine{neutral: neutral, logger: logger}
}

// Score evaluates every active rule. The same deal, partner and rule set always
// produce the same result; the close-date window is measured from the deal's
// registration time rather than the wall clock.
func (e *ScoringEngine) Score(deal *models.Deal, partner *models.Partner, set *models.RuleSet) (models.ScoreResult, error) {
	if set == nil {
		set = &models.RuleSet{}
	}
	rules := set.ActiveRules()
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})

	result := models.ScoreResult{RuleSetVersion: set.Version, Breakdown: []models.RuleContribution{}}
	if len(rules) == 0 {
		e.logger.Warn("no active scoring rules, using neutral score",
			zap.String("deal_id", deal.ID), zap.Int("rule_set_version", set.Version))
		result.Score = e.neutral
		result.Neutral = true
		return result, nil
	}

	if missing := missingInputs(deal, partner, rules); len(missing) > 0 {
		return models.ScoreResult{}, &MissingScoringInputsError{Fields: missing}
	}

	var points float64
	var totalWeight int
	for _, rule := range rules {
		fraction, err := evaluateRule(rule, deal, partner)
		if err != nil {
			return models.ScoreResult{}, err
		}
		contribution := float64(rule.Weight) * fraction
		points += contribution
		totalWeight += rule.Weight
		result.Breakdown = append(result.Breakdown, models.RuleContribution{
			RuleID:   rule.ID,
			Name:     rule.Name,
			Category: rule.Category,
			Weight:   rule.Weight,
			Fraction: fraction,
			Points:   contribution,
		})
	}

	if totalWeight <= 0 {
		result.Score = e.neutral
		result.Neutral = true
		return result, nil
	}
	score := int(math.Round(100 * points / float64(totalWeight)))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	result.Score = score
	return result, nil
}

func missingInputs(deal *models.Deal, partner *models.Partner, rules []models.ScoringRule) []string {
	var missing []string
	seen := make(map[string]bool)
	add := func(field string) {
		if !seen[field] {
			seen[field] = true
			missing = append(missing, field)
		}
	}
	for _, rule := range rules {
		switch rule.Category {
		case models.CategoryIndustryMatch:
			if strings.TrimSpace(deal.Industry) == "" {
				add("industry")
			}
		case models.CategoryProductInterest:
			if len(deal.ProductInterests) == 0 {
				add("productInterests")
			}
		case models.CategoryCloseDateWindow:
			if deal.ExpectedCloseDate == nil {
				add("expectedCloseDate")
			}
		case models.CategoryPartnerTier:
			if partner == nil {
				add("partner")
			}
		}
	}
	return missing
}

func evaluateRule(rule models.ScoringRule, deal *models.Deal, partner *models.Partner) (float64, error) {
	switch rule.Category {
	case models.CategoryDealValue:
		p, err := parseDealValueParams(rule)
		if err != nil {
			return 0, err
		}
		switch {
		case deal.DealValue.GreaterThanOrEqual(p.Full):
			return 1, nil
		case deal.DealValue.GreaterThanOrEqual(p.Partial):
			return clampFraction(*p.PartialFraction), nil
		}
		return 0, nil

	case models.CategoryIndustryMatch:
		var p industryParams
		if err := decodeParams(rule, &p); err != nil {
			return 0, err
		}
		for _, industry := range p.Industries {
			if strings.EqualFold(strings.TrimSpace(industry), strings.TrimSpace(deal.Industry)) {
				return 1, nil
			}
		}
		return 0, nil

	case models.CategoryPartnerTier:
		p, err := parseTierParams(rule)
		if err != nil {
			return 0, err
		}
		return clampFraction(p.Fractions[partner.Tier]), nil

	case models.CategoryProductInterest:
		p, err := parseProductParams(rule)
		if err != nil {
			return 0, err
		}
		matches := len(deal.ProductInterests)
		if len(p.Products) > 0 {
			wanted := make(map[string]bool, len(p.Products))
			for _, product := range p.Products {
				wanted[strings.ToLower(strings.TrimSpace(product))] = true
			}
			matches = 0
			for _, interest := range deal.ProductInterests {
				if wanted[strings.ToLower(interest)] {
					matches++
				}
			}
		}
		return clampFraction(float64(matches) / float64(p.MinMatches)), nil

	case models.CategoryCloseDateWindow:
		p, err := parseCloseDateParams(rule)
		if err != nil {
			return 0, err
		}
		limit := deal.CreatedAt.AddDate(0, 0, p.Days)
		if !deal.ExpectedCloseDate.After(limit) {
			return 1, nil
		}
		return 0.5, nil

	case models.CategoryDescriptionPresent:
		if strings.TrimSpace(deal.Description) != "" {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("scoring rule %s: unknown category %q", rule.Name, rule.Category)
}

func decodeParams(rule models.ScoringRule, dest interface{}) error {
	raw := strings.TrimSpace(string(rule.Params))
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("scoring rule %s: invalid params: %w", rule.Name, err)
	}
	return nil
}

func parseDealValueParams(rule models.ScoringRule) (dealValueParams, error) {
	var p dealValueParams
	if err := decodeParams(rule, &p); err != nil {
		return p, err
	}
	if p.Full.IsZero() {
		p.Full = decimal.NewFromInt(100000)
	}
	if p.Partial.IsZero() {
		p.Partial = decimal.NewFromInt(50000)
	}
	if p.PartialFraction == nil {
		half := 0.5
		p.PartialFraction = &half
	}
	return p, nil
}

func parseTierParams(rule models.ScoringRule) (tierParams, error) {
	var p tierParams
	if err := decodeParams(rule, &p); err != nil {
		return p, err
	}
	if len(p.Fractions) == 0 {
		p.Fractions = map[models.PartnerTier]float64{
			models.TierGold:     1,
			models.TierSilver:   0.75,
			models.TierBronze:   0.5,
			models.TierStandard: 0.25,
		}
	}
	return p, nil
}

func parseProductParams(rule models.ScoringRule) (productParams, error) {
	var p productParams
	if err := decodeParams(rule, &p); err != nil {
		return p, err
	}
	if p.MinMatches <= 0 {
		p.MinMatches = 1
	}
	return p, nil
}

func parseCloseDateParams(rule models.ScoringRule) (closeDateParams, error) {
	var p closeDateParams
	if err := decodeParams(rule, &p); err != nil {
		return p, err
	}
	if p.Days <= 0 {
		p.Days = 90
	}
	return p, nil
}

func clampFraction(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ValidateRuleSet checks rules before they are published.
func ValidateRuleSet(rules []models.ScoringRule) error {
	problems := make(map[string]interface{})
	names := make(map[string]bool, len(rules))
	for i, rule := range rules {
		key := fmt.Sprintf("rules[%d]", i)
		switch {
		case strings.TrimSpace(rule.Name) == "":
			problems[key] = "name is required"
		case names[rule.Name]:
			problems[key] = "duplicate rule name " + rule.Name
		case !rule.Category.Valid():
			problems[key] = fmt.Sprintf("unknown category %q", rule.Category)
		case rule.Weight <= 0:
			problems[key] = "weight must be positive"
		default:
			if err := validateParams(rule); err != nil {
				problems[key] = err.Error()
			}
		}
		names[rule.Name] = true
	}
	if len(problems) == 0 {
		return nil
	}
	err := appErrors.Clone(appErrors.ErrValidation, "invalid scoring rule set")
	err.Details = problems
	return err
}

func validateParams(rule models.ScoringRule) error {
	var err error
	switch rule.Category {
	case models.CategoryDealValue:
		var p dealValueParams
		if p, err = parseDealValueParams(rule); err == nil && p.Partial.GreaterThan(p.Full) {
			err = fmt.Errorf("partial threshold exceeds full threshold")
		}
	case models.CategoryIndustryMatch:
		err = decodeParams(rule, &industryParams{})
	case models.CategoryPartnerTier:
		_, err = parseTierParams(rule)
	case models.CategoryProductInterest:
		_, err = parseProductParams(rule)
	case models.CategoryCloseDateWindow:
		_, err = parseCloseDateParams(rule)
	}
	return err
}
