package dto

import "encoding/json"

// ScoringRuleInput is one rule of a rule set to publish.
type ScoringRuleInput struct {
	Name     string          `json:"name" validate:"required,max=100"`
	Category string          `json:"category" validate:"required,oneof=DEAL_VALUE INDUSTRY_MATCH PARTNER_TIER PRODUCT_INTEREST CLOSE_DATE_WINDOW DESCRIPTION_PRESENT"`
	Weight   int             `json:"weight" validate:"required,min=1,max=1000"`
	Active   *bool           `json:"active"`
	Params   json.RawMessage `json:"params"`
}

// PublishRuleSetRequest publishes a new rule set version.
type PublishRuleSetRequest struct {
	Rules []ScoringRuleInput `json:"rules" validate:"required,min=1,max=50,dive"`
}
