package model

import "time"

// Cycle phase constants for an in-flight improvement cycle.
const (
	PhaseProposed        = "proposed"
	PhaseSafetyValidated = "safety_validated"
	PhaseExecuting       = "executing"
	PhaseMeasuring       = "measuring"
	PhaseArchived        = "archived"
	PhaseRolledBack      = "rolled_back"
	PhaseRejected        = "rejected"
)

// Proposal describes one candidate change, built at the start of a cycle and
// immutable afterwards.
type Proposal struct {
	ImprovementID   string             `json:"improvement_id"`
	StrategyArm     string             `json:"strategy_arm"`
	Description     string             `json:"description"`
	TargetServices  []string           `json:"target_services"`
	Priority        int                `json:"priority"`
	MetricsSnapshot map[string]float64 `json:"metrics_snapshot"`
	ProposedChanges map[string]any     `json:"proposed_changes"`
	RiskScore       float64            `json:"risk_score"`
	CreatedAt       time.Time          `json:"created_at"`
}
