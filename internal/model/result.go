package model

// Rejection reason constants for StartOutcome.
const (
	RejectCapacity             = "capacity"
	RejectSafety               = "safety"
	RejectValidatorUnavailable = "validator_unavailable"
)

// StartOutcome is the tagged result of starting an improvement cycle:
// exactly one of Accepted, Rejected (with a reason), or Failed.
type StartOutcome struct {
	ImprovementID string   `json:"improvement_id"`
	Accepted      bool     `json:"accepted"`
	Reason        string   `json:"reason,omitempty"`
	Violations    []string `json:"violations,omitempty"`
	Err           error    `json:"-"`
}

// AcceptedOutcome builds the success variant.
func AcceptedOutcome(id string) StartOutcome {
	return StartOutcome{ImprovementID: id, Accepted: true}
}

// RejectedOutcome builds the rejection variant.
func RejectedOutcome(id, reason string, violations []string) StartOutcome {
	return StartOutcome{ImprovementID: id, Reason: reason, Violations: violations}
}

// FailedOutcome builds the failure variant.
func FailedOutcome(id string, err error) StartOutcome {
	return StartOutcome{ImprovementID: id, Reason: "error", Err: err}
}
