package model

import "time"

// Improvement record status constants.
const (
	ImprovementPending    = "pending"
	ImprovementRunning    = "running"
	ImprovementCompleted  = "completed"
	ImprovementFailed     = "failed"
	ImprovementRolledBack = "rolled_back"
)

// improvementTransitions maps each record status to the set of statuses it
// may transition to. RolledBack is terminal.
var improvementTransitions = map[string]map[string]bool{
	ImprovementPending: {
		ImprovementRunning:   true,
		ImprovementCompleted: true,
		ImprovementFailed:    true,
	},
	ImprovementRunning: {
		ImprovementCompleted: true,
		ImprovementFailed:    true,
	},
	ImprovementCompleted: {
		ImprovementRolledBack: true,
	},
	ImprovementFailed: {
		ImprovementRolledBack: true,
	},
}

// ValidImprovementTransition reports whether moving an archived record from
// one status to another is allowed.
func ValidImprovementTransition(from, to string) bool {
	targets, ok := improvementTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ImprovementRecord is one entry in the append-only improvement ledger.
// ImprovementID is unique across the archive; everything except Status and
// Metadata is immutable after store.
type ImprovementRecord struct {
	ID                string             `json:"id"`
	ImprovementID     string             `json:"improvement_id"`
	Timestamp         time.Time          `json:"timestamp"`
	Description       string             `json:"description"`
	StrategyArm       string             `json:"strategy_arm"`
	Changes           map[string]any     `json:"changes,omitempty"`
	PerformanceBefore map[string]float64 `json:"performance_before,omitempty"`
	PerformanceAfter  map[string]float64 `json:"performance_after,omitempty"`
	ImprovementMetric float64            `json:"improvement_metric"`
	ComplianceScore   float64            `json:"compliance_score"`
	Status            string             `json:"status"`
	RollbackPayload   map[string]any     `json:"rollback_payload,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}

// ArchiveFilter narrows an archive listing. Zero values mean "no constraint".
type ArchiveFilter struct {
	Status        string
	MinCompliance float64
	Since         time.Time
	Until         time.Time
}
