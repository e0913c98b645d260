package dto

// ResolveConflictRequest applies a strategy; an empty strategy uses the configured policy.
type ResolveConflictRequest struct {
	Strategy string `json:"strategy" validate:"omitempty,oneof=TIER_BASED FIRST_TO_REGISTER MANUAL"`
}

// DecideConflictRequest records a manual winner for an escalated conflict.
type DecideConflictRequest struct {
	WinningDealID string `json:"winningDealId" validate:"required"`
	Notes         string `json:"notes" validate:"omitempty,max=2000"`
}
