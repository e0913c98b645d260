package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
)

var defaultExecutiveThreshold = decimal.NewFromInt(500000)

// GateRule declares one approval gate: who decides it and when it applies.
type GateRule struct {
	Gate     models.ApprovalGate
	Role     models.UserRole
	Required func(deal *models.Deal) bool
}

func always(*models.Deal) bool { return true }

// ApprovalPolicy holds gate rules in the order they must be decided.
type ApprovalPolicy struct {
	rules []GateRule
}

// NewApprovalPolicy builds the standard gates. Executive approval applies above
// the threshold or for high-risk deals.
func NewApprovalPolicy(executiveThreshold decimal.Decimal) *ApprovalPolicy {
	return &ApprovalPolicy{rules: []GateRule{
		{Gate: models.GateManagerReview, Role: models.RoleManager, Required: always},
		{Gate: models.GateComplianceCheck, Role: models.RoleCompliance, Required: always},
		{Gate: models.GateExecutiveApproval, Role: models.RoleExecutive, Required: func(d *models.Deal) bool {
			return d.DealValue.GreaterThan(executiveThreshold) || d.RiskLevel == models.RiskHigh
		}},
	}}
}

// NewApprovalPolicyWithRules builds a policy from custom rules.
func NewApprovalPolicyWithRules(rules ...GateRule) *ApprovalPolicy {
	return &ApprovalPolicy{rules: rules}
}

// RequiredGates lists the gates that apply to the deal in decision order.
func (p *ApprovalPolicy) RequiredGates(deal *models.Deal) []GateRule {
	out := make([]GateRule, 0, len(p.rules))
	for _, rule := range p.rules {
		if rule.Required(deal) {
			out = append(out, rule)
		}
	}
	return out
}

// Status reports every required gate with its current decision.
func (p *ApprovalPolicy) Status(deal *models.Deal, approvals []models.DealGateApproval) []models.GateStatus {
	byGate := indexApprovals(approvals)
	required := p.RequiredGates(deal)
	out := make([]models.GateStatus, 0, len(required))
	for _, rule := range required {
		status := models.GateStatus{Gate: rule.Gate, Role: rule.Role, Decision: models.DecisionPending}
		if a, ok := byGate[rule.Gate]; ok {
			decidedAt := a.DecidedAt
			status.Decision = a.Decision
			status.DecidedBy = a.ActorID
			status.DecidedAt = &decidedAt
			status.OverrideRate = a.OverrideRate
		}
		out = append(out, status)
	}
	return out
}

// Pending lists required gates not yet approved.
func (p *ApprovalPolicy) Pending(deal *models.Deal, approvals []models.DealGateApproval) []models.ApprovalGate {
	byGate := indexApprovals(approvals)
	var pending []models.ApprovalGate
	for _, rule := range p.RequiredGates(deal) {
		if a, ok := byGate[rule.Gate]; !ok || a.Decision != models.DecisionApproved {
			pending = append(pending, rule.Gate)
		}
	}
	return pending
}

// ExecutiveOverride returns the negotiated commission rate recorded on an approved executive gate.
func (p *ApprovalPolicy) ExecutiveOverride(approvals []models.DealGateApproval) *decimal.Decimal {
	a, ok := indexApprovals(approvals)[models.GateExecutiveApproval]
	if !ok || a.Decision != models.DecisionApproved || a.OverrideRate == nil {
		return nil
	}
	rate := *a.OverrideRate
	return &rate
}

// GateDecisionInput carries one approver's verdict.
type GateDecisionInput struct {
	Gate         models.ApprovalGate
	Decision     models.GateDecision
	Note         string
	OverrideRate *decimal.Decimal
}

// CheckDecision validates a decision against the deal, the prior decisions and the actor.
func (p *ApprovalPolicy) CheckDecision(deal *models.Deal, in GateDecisionInput, actor models.Actor, approvals []models.DealGateApproval) error {
	if deal.Stage != models.StageInReview {
		e := appErrors.Clone(appErrors.ErrStageTransition,
			fmt.Sprintf("gate decisions require stage %s, deal is %s", models.StageInReview, deal.Stage))
		e.Details = map[string]interface{}{"currentStage": string(deal.Stage), "gate": string(in.Gate)}
		return e
	}
	if in.Decision != models.DecisionApproved && in.Decision != models.DecisionRejected {
		return appErrors.Clone(appErrors.ErrValidation, "decision must be APPROVED or REJECTED")
	}
	if in.Decision == models.DecisionRejected && in.Note == "" {
		return appErrors.Clone(appErrors.ErrValidation, "a note is required when rejecting a gate")
	}

	byGate := indexApprovals(approvals)
	var rule *GateRule
	for _, candidate := range p.RequiredGates(deal) {
		candidate := candidate
		if candidate.Gate == in.Gate {
			rule = &candidate
			break
		}
		if a, ok := byGate[candidate.Gate]; !ok || a.Decision != models.DecisionApproved {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("%s must be approved before %s", candidate.Gate, in.Gate))
		}
	}
	if rule == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("gate %s does not apply to deal %s", in.Gate, deal.ID))
	}
	if _, decided := byGate[in.Gate]; decided {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("gate %s has already been decided", in.Gate))
	}
	if actor.Role != rule.Role {
		return appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("gate %s must be decided by role %s", in.Gate, rule.Role))
	}
	for _, a := range approvals {
		if a.ActorID == actor.ID {
			return appErrors.Clone(appErrors.ErrForbidden,
				fmt.Sprintf("actor %s already decided gate %s; gates need distinct approvers", actor.ID, a.Gate))
		}
	}
	if in.OverrideRate != nil {
		if in.Gate != models.GateExecutiveApproval || in.Decision != models.DecisionApproved {
			return appErrors.Clone(appErrors.ErrValidation, "override rate is only accepted on executive approval")
		}
		if in.OverrideRate.IsNegative() || in.OverrideRate.GreaterThan(decimal.NewFromInt(100)) {
			return appErrors.Clone(appErrors.ErrValidation, "override rate must be between 0 and 100")
		}
	}
	return nil
}

func indexApprovals(approvals []models.DealGateApproval) map[models.ApprovalGate]models.DealGateApproval {
	out := make(map[models.ApprovalGate]models.DealGateApproval, len(approvals))
	for _, a := range approvals {
		if a.Decision == models.DecisionPending {
			continue
		}
		out[a.Gate] = a
	}
	return out
}
