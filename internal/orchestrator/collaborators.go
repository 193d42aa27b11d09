package orchestrator

import (
	"context"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
)

// ValidationResult is the safety gate's verdict on a proposal.
type ValidationResult struct {
	IsCompliant     bool     `json:"is_compliant"`
	ComplianceScore float64  `json:"compliance_score"`
	Violations      []string `json:"violations,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ComplianceValidator is the external safety gate. An error return means the
// validator itself was unreachable, which is distinct from a non-compliant
// verdict.
type ComplianceValidator interface {
	Validate(ctx context.Context, p *model.Proposal) (ValidationResult, error)
}

// MetricsProvider snapshots current platform metrics for a set of target
// services.
type MetricsProvider interface {
	Snapshot(ctx context.Context, scope []string) (map[string]float64, error)
}

// ApplyResult is what the external mutation mechanism reports back.
type ApplyResult struct {
	RollbackPayload map[string]any `json:"rollback_payload"`
	ExecutionTime   time.Duration  `json:"execution_time"`
}

// ChangeApplier performs the actual external mutation and its inverse.
type ChangeApplier interface {
	Apply(ctx context.Context, targets []string, changes map[string]any) (ApplyResult, error)
	Revert(ctx context.Context, payload map[string]any) error
}
