package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApprovalGate is a sign-off required before a deal can be approved.
type ApprovalGate string

const (
	GateManagerReview     ApprovalGate = "MANAGER_REVIEW"
	GateComplianceCheck   ApprovalGate = "COMPLIANCE_CHECK"
	GateExecutiveApproval ApprovalGate = "EXECUTIVE_APPROVAL"
)

// Valid reports whether g is a known gate.
func (g ApprovalGate) Valid() bool {
	return g == GateManagerReview || g == GateComplianceCheck || g == GateExecutiveApproval
}

// GateDecision is an approver's verdict.
type GateDecision string

const (
	DecisionPending  GateDecision = "PENDING"
	DecisionApproved GateDecision = "APPROVED"
	DecisionRejected GateDecision = "REJECTED"
)

// Valid reports whether d is a known decision.
func (d GateDecision) Valid() bool {
	return d == DecisionPending || d == DecisionApproved || d == DecisionRejected
}

// DealGateApproval records the decision taken at one gate.
type DealGateApproval struct {
	DealID       string           `db:"deal_id" json:"dealId"`
	Gate         ApprovalGate     `db:"gate" json:"gate"`
	Decision     GateDecision     `db:"decision" json:"decision"`
	ActorID      string           `db:"actor_id" json:"actorId"`
	ActorRole    UserRole         `db:"actor_role" json:"actorRole"`
	Note         *string          `db:"note" json:"note,omitempty"`
	OverrideRate *decimal.Decimal `db:"override_rate" json:"overrideRate,omitempty"`
	DecidedAt    time.Time        `db:"decided_at" json:"decidedAt"`
}

// GateStatus reports a gate's requirement and current decision for a deal.
type GateStatus struct {
	Gate         ApprovalGate     `json:"gate"`
	Role         UserRole         `json:"role"`
	Decision     GateDecision     `json:"decision"`
	DecidedBy    string           `json:"decidedBy,omitempty"`
	DecidedAt    *time.Time       `json:"decidedAt,omitempty"`
	OverrideRate *decimal.Decimal `json:"overrideRate,omitempty"`
}
