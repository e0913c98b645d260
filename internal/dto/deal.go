package dto

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/prm-deal-api/internal/models"
)

// RegisterDealRequest is submitted by a partner to register an opportunity.
type RegisterDealRequest struct {
	PartnerID         string          `json:"partnerId" validate:"omitempty,max=64"`
	AccountName       string          `json:"accountName" validate:"required,max=200"`
	DealValue         decimal.Decimal `json:"dealValue"`
	Currency          string          `json:"currency" validate:"required,iso4217"`
	Industry          string          `json:"industry" validate:"omitempty,max=100"`
	Territories       []string        `json:"territories" validate:"omitempty,max=20,dive,required,max=64"`
	ProductInterests  []string        `json:"productInterests" validate:"omitempty,max=50,dive,required,max=64"`
	ExpectedCloseDate string          `json:"expectedCloseDate" validate:"required,datetime=2006-01-02"`
	Description       string          `json:"description" validate:"omitempty,max=4000"`
	RiskLevel         string          `json:"riskLevel" validate:"omitempty,risk_level"`
}

// AdvanceDealRequest moves a deal to the next stage.
type AdvanceDealRequest struct {
	TargetStage     string `json:"targetStage" validate:"required,deal_stage"`
	ExpectedVersion *int   `json:"expectedVersion" validate:"omitempty,min=1"`
	Reason          string `json:"reason" validate:"omitempty,max=1000"`
}

// RejectDealRequest rejects a deal with a mandatory reason.
type RejectDealRequest struct {
	Reason          string `json:"reason" validate:"required,max=1000"`
	ExpectedVersion *int   `json:"expectedVersion" validate:"omitempty,min=1"`
}

// ResubmitDealRequest returns a rejected deal to SUBMITTED.
type ResubmitDealRequest struct {
	ExpectedVersion *int `json:"expectedVersion" validate:"omitempty,min=1"`
}

// GateDecisionRequest records an approver's verdict on one gate.
type GateDecisionRequest struct {
	Decision     string           `json:"decision" validate:"required,gate_decision"`
	Note         string           `json:"note" validate:"omitempty,max=1000"`
	OverrideRate *decimal.Decimal `json:"overrideRate"`
}

// CloseDealRequest closes a deal as WON or LOST.
type CloseDealRequest struct {
	Outcome         string `json:"outcome" validate:"required,oneof=WON LOST"`
	Reason          string `json:"reason" validate:"omitempty,max=1000"`
	ExpectedVersion *int   `json:"expectedVersion" validate:"omitempty,min=1"`
}

// OverrideStageRequest lets an administrator skip intermediate stages.
type OverrideStageRequest struct {
	TargetStage string `json:"targetStage" validate:"required,deal_stage"`
	Reason      string `json:"reason" validate:"required,max=1000"`
}

// DealQuery mirrors supported listing filters.
type DealQuery struct {
	PartnerID string
	Stages    []models.DealStage
	Page      int
	PageSize  int
}

// DealDetail is a deal with its approval gates.
type DealDetail struct {
	*models.Deal
	Gates []models.GateStatus `json:"gates"`
}

// TransitionResult is returned by every stage-changing operation.
type TransitionResult struct {
	Deal      *models.Deal            `json:"deal"`
	Conflicts []models.ConflictRecord `json:"conflicts,omitempty"`
	Score     *models.ScoreResult     `json:"score,omitempty"`
	Gates     []models.GateStatus     `json:"gates,omitempty"`
}
