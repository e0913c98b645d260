package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// AuditAction names an auditable engine event.
type AuditAction string

const (
	AuditDealRegistered       AuditAction = "DEAL_REGISTERED"
	AuditDealStageChanged     AuditAction = "DEAL_STAGE_CHANGED"
	AuditDealQualified        AuditAction = "DEAL_QUALIFIED"
	AuditDealScored           AuditAction = "DEAL_SCORED"
	AuditDealRejected         AuditAction = "DEAL_REJECTED"
	AuditDealResubmitted      AuditAction = "DEAL_RESUBMITTED"
	AuditDealGateDecided      AuditAction = "DEAL_GATE_DECIDED"
	AuditDealStageOverridden  AuditAction = "DEAL_STAGE_OVERRIDDEN"
	AuditDealClosed           AuditAction = "DEAL_CLOSED"
	AuditCommissionComputed   AuditAction = "COMMISSION_COMPUTED"
	AuditConflictDetected     AuditAction = "CONFLICT_DETECTED"
	AuditConflictEscalated    AuditAction = "CONFLICT_ESCALATED"
	AuditConflictResolved     AuditAction = "CONFLICT_RESOLVED"
	AuditRuleSetPublished     AuditAction = "RULE_SET_PUBLISHED"
	AuditDealTransitionFailed AuditAction = "DEAL_TRANSITION_FAILED"
)

// AuditEntityType identifies what an audit entry refers to.
type AuditEntityType string

const (
	AuditEntityDeal     AuditEntityType = "DEAL"
	AuditEntityConflict AuditEntityType = "CONFLICT"
	AuditEntityRuleSet  AuditEntityType = "RULE_SET"
)

// AuditOutcome separates successful changes from rejected attempts.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "SUCCESS"
	OutcomeFailure AuditOutcome = "FAILURE"
)

// AuditLogEntry is an append-only record of a state change or failed attempt.
type AuditLogEntry struct {
	ID          string          `db:"id" json:"id"`
	ActionType  AuditAction     `db:"action_type" json:"actionType"`
	EntityType  AuditEntityType `db:"entity_type" json:"entityType"`
	EntityID    string          `db:"entity_id" json:"entityId"`
	ActorID     string          `db:"actor_id" json:"actorId"`
	ActorRole   UserRole        `db:"actor_role" json:"actorRole"`
	Outcome     AuditOutcome    `db:"outcome" json:"outcome"`
	Reason      *string         `db:"reason" json:"reason,omitempty"`
	BeforeState types.JSONText  `db:"before_state" json:"beforeState,omitempty"`
	AfterState  types.JSONText  `db:"after_state" json:"afterState,omitempty"`
	RequestID   *string         `db:"request_id" json:"requestId,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// AuditFilter constrains audit listings.
type AuditFilter struct {
	EntityType AuditEntityType
	EntityID   string
	ActorID    string
	Actions    []AuditAction
	Outcome    AuditOutcome
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
