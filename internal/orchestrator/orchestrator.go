// Package orchestrator composes the bandit selector, workflow engine,
// circuit breaker, and archive into one improvement cycle: select an arm,
// gate the proposal for safety, apply the change through a workflow, measure
// the outcome, feed the reward back, archive the attempt, and roll back on
// regression.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tannerhall/helmsman/internal/archive"
	"github.com/tannerhall/helmsman/internal/bandit"
	"github.com/tannerhall/helmsman/internal/breaker"
	"github.com/tannerhall/helmsman/internal/model"
	"github.com/tannerhall/helmsman/internal/strategy"
	"github.com/tannerhall/helmsman/internal/workflow"
)

// ErrCycleNotFound is returned when an improvement ID matches neither an
// in-flight cycle nor an archived record.
var ErrCycleNotFound = errors.New("improvement not found")

// ErrNoRollbackPayload is returned when a rollback is requested for a record
// without a stored payload and force was not set.
var ErrNoRollbackPayload = errors.New("no rollback payload")

// ErrRollbackFailed wraps a revert failure. It is always surfaced: the
// platform may be left inconsistent and needs manual intervention.
var ErrRollbackFailed = errors.New("rollback failed")

var cycleOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helmsman_improvement_cycles_total",
		Help: "Improvement cycle outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(cycleOutcomes)
}

// Config holds orchestrator tuning.
type Config struct {
	// MaxConcurrentImprovements caps simultaneously in-flight cycles.
	MaxConcurrentImprovements int
	// ComplianceThreshold is the minimum compliance score to pass the gate.
	ComplianceThreshold float64
	// RollbackThreshold is the regression fraction that triggers automatic
	// rollback (0.05 means a 5% measured decline).
	RollbackThreshold float64
	// StabilizationInterval is how long a change settles before re-measuring.
	StabilizationInterval time.Duration
	// WorkflowTimeout bounds one improvement workflow end to end.
	WorkflowTimeout time.Duration
}

// DefaultConfig returns the default orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentImprovements: 3,
		ComplianceThreshold:       0.8,
		RollbackThreshold:         0.05,
		StabilizationInterval:     30 * time.Second,
		WorkflowTimeout:           10 * time.Minute,
	}
}

// StartRequest is the input to StartImprovement.
type StartRequest struct {
	ImprovementID string            `json:"improvement_id,omitempty"`
	Description   string            `json:"description"`
	Targets       []string          `json:"targets,omitempty"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StatusReport is the queryable state of an improvement, in flight or
// archived.
type StatusReport struct {
	ImprovementID string                   `json:"improvement_id"`
	Phase         string                   `json:"phase"`
	StrategyArm   string                   `json:"strategy_arm,omitempty"`
	Workflow      *model.Workflow          `json:"workflow,omitempty"`
	Record        *model.ImprovementRecord `json:"record,omitempty"`
}

// cycle is the in-flight state of one improvement attempt.
type cycle struct {
	proposal        *model.Proposal
	phase           string
	workflowID      string
	compliance      float64
	rollbackPayload map[string]any
	metadata        map[string]string
}

// Orchestrator drives improvement cycles. The cycle table is its only shared
// mutable state and has its own mutex; the bandit and engine guard their own.
type Orchestrator struct {
	config    Config
	logger    *slog.Logger
	selector  *bandit.Selector
	engine    *workflow.Engine
	archive   *archive.Archive
	catalog   *strategy.Catalog
	validator ComplianceValidator
	gate      *breaker.Breaker
	metrics   MetricsProvider
	applier   ChangeApplier

	mu     sync.Mutex
	cycles map[string]*cycle

	wg sync.WaitGroup
}

// New wires an orchestrator. The validator is called through a circuit
// breaker so a flapping safety gate fails fast instead of hanging every
// cycle.
func New(
	config Config,
	selector *bandit.Selector,
	engine *workflow.Engine,
	arch *archive.Archive,
	catalog *strategy.Catalog,
	validator ComplianceValidator,
	metrics MetricsProvider,
	applier ChangeApplier,
	logger *slog.Logger,
) *Orchestrator {
	def := DefaultConfig()
	if config.MaxConcurrentImprovements <= 0 {
		config.MaxConcurrentImprovements = def.MaxConcurrentImprovements
	}
	if config.ComplianceThreshold <= 0 {
		config.ComplianceThreshold = def.ComplianceThreshold
	}
	if config.RollbackThreshold <= 0 {
		config.RollbackThreshold = def.RollbackThreshold
	}
	if config.StabilizationInterval < 0 {
		config.StabilizationInterval = def.StabilizationInterval
	}
	if config.WorkflowTimeout <= 0 {
		config.WorkflowTimeout = def.WorkflowTimeout
	}
	return &Orchestrator{
		config:    config,
		logger:    logger,
		selector:  selector,
		engine:    engine,
		archive:   arch,
		catalog:   catalog,
		validator: validator,
		gate:      breaker.New("compliance_validator", breaker.DefaultConfig()),
		metrics:   metrics,
		applier:   applier,
		cycles:    make(map[string]*cycle),
	}
}

// StartImprovement runs admission, proposal building, and the safety gate
// synchronously, then hands execution to the workflow engine. The returned
// outcome is Accepted, Rejected(reason), or Failed; a rejection at the safety
// gate consumes no bandit pull.
func (o *Orchestrator) StartImprovement(ctx context.Context, req StartRequest) model.StartOutcome {
	id := req.ImprovementID
	if id == "" {
		id = model.NewID()
	}

	// Admission: check and reserve the slot atomically.
	o.mu.Lock()
	if _, exists := o.cycles[id]; exists {
		o.mu.Unlock()
		return model.FailedOutcome(id, fmt.Errorf("improvement %s already in flight", id))
	}
	if len(o.cycles) >= o.config.MaxConcurrentImprovements {
		o.mu.Unlock()
		cycleOutcomes.WithLabelValues("rejected_capacity").Inc()
		return model.RejectedOutcome(id, model.RejectCapacity, nil)
	}
	c := &cycle{phase: model.PhaseProposed, metadata: req.Metadata}
	o.cycles[id] = c
	o.mu.Unlock()

	outcome := o.propose(ctx, id, c, req)
	if !outcome.Accepted {
		o.release(id)
	}
	return outcome
}

// propose builds the proposal, runs the safety gate, and submits the
// workflow. Split from StartImprovement so every early return releases the
// admission slot in one place.
func (o *Orchestrator) propose(ctx context.Context, id string, c *cycle, req StartRequest) model.StartOutcome {
	contextKey := o.catalog.ContextKey

	sel, err := o.selector.Select(ctx, contextKey)
	if err != nil {
		return model.FailedOutcome(id, fmt.Errorf("select arm: %w", err))
	}
	entry, ok := o.catalog.Get(sel.Arm.ID)
	if !ok {
		return model.FailedOutcome(id, fmt.Errorf("arm %q missing from catalog", sel.Arm.ID))
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = entry.Targets
	}

	snapshot, err := o.metrics.Snapshot(ctx, targets)
	if err != nil {
		return model.FailedOutcome(id, fmt.Errorf("metrics snapshot: %w", err))
	}

	proposal := &model.Proposal{
		ImprovementID:   id,
		StrategyArm:     sel.Arm.ID,
		Description:     req.Description,
		TargetServices:  targets,
		Priority:        req.Priority,
		MetricsSnapshot: snapshot,
		ProposedChanges: entry.Changes,
		RiskScore:       entry.RiskScore,
		CreatedAt:       time.Now().UTC(),
	}
	c.proposal = proposal
	if sel.Fallback {
		if c.metadata == nil {
			c.metadata = make(map[string]string)
		}
		c.metadata["safety_fallback"] = "true"
	}

	// Safety gate, through the breaker. Neither an unreachable validator
	// nor a rejection consumes a bandit pull.
	var verdict ValidationResult
	gateErr := o.gate.Call(func() error {
		var err error
		verdict, err = o.validator.Validate(ctx, proposal)
		return err
	})
	if gateErr != nil {
		cycleOutcomes.WithLabelValues("validator_unavailable").Inc()
		o.logger.Warn("safety gate unavailable",
			"improvement_id", id,
			"circuit_open", errors.Is(gateErr, breaker.ErrOpen),
			"error", gateErr,
		)
		return model.RejectedOutcome(id, model.RejectValidatorUnavailable, nil)
	}
	if !verdict.IsCompliant || verdict.ComplianceScore < o.config.ComplianceThreshold {
		c.phase = model.PhaseRejected
		cycleOutcomes.WithLabelValues("rejected_safety").Inc()
		o.logger.Info("proposal rejected by safety gate",
			"improvement_id", id,
			"strategy_arm", proposal.StrategyArm,
			"compliance_score", verdict.ComplianceScore,
			"violations", len(verdict.Violations),
		)
		return model.RejectedOutcome(id, model.RejectSafety, verdict.Violations)
	}
	c.phase = model.PhaseSafetyValidated
	c.compliance = verdict.ComplianceScore

	wfID, err := o.engine.Submit("improvement", map[string]any{
		"improvement_id": id,
		"strategy_arm":   proposal.StrategyArm,
	}, req.Priority, o.config.WorkflowTimeout, o.step(id, proposal))
	if err != nil {
		if errors.Is(err, workflow.ErrCapacity) {
			cycleOutcomes.WithLabelValues("rejected_capacity").Inc()
			return model.RejectedOutcome(id, model.RejectCapacity, nil)
		}
		return model.FailedOutcome(id, fmt.Errorf("submit workflow: %w", err))
	}

	o.mu.Lock()
	c.workflowID = wfID
	c.phase = model.PhaseExecuting
	o.mu.Unlock()

	done, err := o.engine.Watch(wfID)
	if err != nil {
		return model.FailedOutcome(id, fmt.Errorf("watch workflow: %w", err))
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-done
		o.finalize(id, wfID)
	}()

	cycleOutcomes.WithLabelValues("accepted").Inc()
	return model.AcceptedOutcome(id)
}

// step builds the workflow step closure for one cycle: apply the change,
// wait the stabilization interval, re-measure. The rollback payload is
// stashed on the cycle as soon as apply returns so a later rollback can find
// it even if measurement fails.
func (o *Orchestrator) step(id string, p *model.Proposal) workflow.StepFunc {
	return func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		applied, err := o.applier.Apply(ctx, p.TargetServices, p.ProposedChanges)
		if err != nil {
			return nil, fmt.Errorf("apply change: %w", err)
		}

		o.mu.Lock()
		if c, ok := o.cycles[id]; ok {
			c.rollbackPayload = applied.RollbackPayload
		}
		o.mu.Unlock()

		select {
		case <-time.After(o.config.StabilizationInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		o.mu.Lock()
		if c, ok := o.cycles[id]; ok {
			c.phase = model.PhaseMeasuring
		}
		o.mu.Unlock()

		after, err := o.metrics.Snapshot(ctx, p.TargetServices)
		if err != nil {
			return nil, fmt.Errorf("post-change snapshot: %w", err)
		}

		return map[string]any{
			"metrics_after":     after,
			"execution_time_ms": applied.ExecutionTime.Milliseconds(),
		}, nil
	}
}

// finalize runs once the workflow is terminal: reward, archive, and the
// regression check. It owns the cycle's removal from the in-flight table.
func (o *Orchestrator) finalize(id, wfID string) {
	defer o.release(id)
	ctx := context.Background()

	wf, err := o.engine.Get(wfID)
	if err != nil {
		// Evicted before we observed it; the archive record is the trail.
		o.logger.Error("workflow vanished before finalize", "improvement_id", id, "workflow_id", wfID, "error", err)
		return
	}

	o.mu.Lock()
	c, ok := o.cycles[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	p := c.proposal
	contextKey := o.catalog.ContextKey

	switch wf.Status {
	case model.WorkflowCompleted:
		after := metricsFromOutput(wf.Output)
		improvement := ComputeImprovement(p.MetricsSnapshot, after)
		reward := ClipReward(improvement)
		if err := o.selector.Update(ctx, contextKey, p.StrategyArm, reward); err != nil {
			o.logger.Error("bandit update failed", "improvement_id", id, "arm", p.StrategyArm, "error", err)
		}

		record := &model.ImprovementRecord{
			ImprovementID:     id,
			Description:       p.Description,
			StrategyArm:       p.StrategyArm,
			Changes:           p.ProposedChanges,
			PerformanceBefore: p.MetricsSnapshot,
			PerformanceAfter:  after,
			ImprovementMetric: improvement,
			ComplianceScore:   c.compliance,
			Status:            model.ImprovementCompleted,
			RollbackPayload:   c.rollbackPayload,
			Metadata:          c.metadata,
		}
		if err := o.archive.Store(ctx, record); err != nil {
			o.logger.Error("archive store failed", "improvement_id", id, "error", err)
			return
		}
		cycleOutcomes.WithLabelValues("completed").Inc()

		if improvement <= -o.config.RollbackThreshold {
			o.autoRollback(ctx, id, c, improvement)
			return
		}
		o.setPhase(id, model.PhaseArchived)

	case model.WorkflowFailed:
		// A failed execution still teaches the bandit: full penalty.
		if err := o.selector.Update(ctx, contextKey, p.StrategyArm, -1); err != nil {
			o.logger.Error("bandit update failed", "improvement_id", id, "arm", p.StrategyArm, "error", err)
		}
		record := &model.ImprovementRecord{
			ImprovementID:     id,
			Description:       p.Description,
			StrategyArm:       p.StrategyArm,
			Changes:           p.ProposedChanges,
			PerformanceBefore: p.MetricsSnapshot,
			ComplianceScore:   c.compliance,
			Status:            model.ImprovementFailed,
			Metadata:          withEntry(c.metadata, "workflow_error", wf.Error),
		}
		if err := o.archive.Store(ctx, record); err != nil {
			o.logger.Error("archive store failed", "improvement_id", id, "error", err)
		}
		cycleOutcomes.WithLabelValues("failed").Inc()
		o.setPhase(id, model.PhaseArchived)

	case model.WorkflowCancelled:
		cycleOutcomes.WithLabelValues("cancelled").Inc()
		if c.rollbackPayload == nil {
			// Nothing was applied; no archive entry for a clean cancel.
			return
		}
		// The change landed before the cancel: archive it with its payload
		// so it can still be rolled back.
		record := &model.ImprovementRecord{
			ImprovementID:     id,
			Description:       p.Description,
			StrategyArm:       p.StrategyArm,
			Changes:           p.ProposedChanges,
			PerformanceBefore: p.MetricsSnapshot,
			ComplianceScore:   c.compliance,
			Status:            model.ImprovementFailed,
			RollbackPayload:   c.rollbackPayload,
			Metadata:          withEntry(c.metadata, "cancelled", "true"),
		}
		if err := o.archive.Store(ctx, record); err != nil {
			o.logger.Error("archive store failed", "improvement_id", id, "error", err)
		}
	}
}

// autoRollback reverses a regressed change using the payload captured at
// apply time.
func (o *Orchestrator) autoRollback(ctx context.Context, id string, c *cycle, improvement float64) {
	o.logger.Warn("regression detected, rolling back",
		"improvement_id", id,
		"strategy_arm", c.proposal.StrategyArm,
		"improvement_metric", improvement,
		"rollback_threshold", o.config.RollbackThreshold,
	)
	if c.rollbackPayload == nil {
		o.logger.Error("CRITICAL: regression without rollback payload, manual intervention required",
			"improvement_id", id)
		return
	}
	if err := o.applier.Revert(ctx, c.rollbackPayload); err != nil {
		o.logger.Error("CRITICAL: rollback failed, platform may be inconsistent",
			"improvement_id", id, "error", err)
		return
	}
	if err := o.archive.UpdateStatus(ctx, id, model.ImprovementRolledBack); err != nil {
		o.logger.Error("archive status update failed", "improvement_id", id, "error", err)
		return
	}
	cycleOutcomes.WithLabelValues("rolled_back").Inc()
	o.setPhase(id, model.PhaseRolledBack)
}

// CancelImprovement cancels the underlying workflow of an in-flight cycle.
// Cancellation is cooperative; already-applied changes are only undone by an
// explicit rollback.
func (o *Orchestrator) CancelImprovement(ctx context.Context, id string) error {
	o.mu.Lock()
	c, ok := o.cycles[id]
	wfID := ""
	if ok {
		wfID = c.workflowID
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCycleNotFound, id)
	}
	if wfID == "" {
		// Still in the synchronous phase; the slot releases on its own.
		return nil
	}
	return o.engine.Cancel(wfID)
}

// RollbackImprovement reverses an archived improvement. Without force, a
// stored rollback payload is required. A revert failure is surfaced as
// ErrRollbackFailed and never swallowed.
func (o *Orchestrator) RollbackImprovement(ctx context.Context, id, reason string, force bool) error {
	record, err := o.archive.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == model.ImprovementRolledBack {
		return nil
	}
	if record.RollbackPayload == nil && !force {
		return fmt.Errorf("%w: %s", ErrNoRollbackPayload, id)
	}

	if record.RollbackPayload != nil {
		if err := o.applier.Revert(ctx, record.RollbackPayload); err != nil {
			o.logger.Error("CRITICAL: rollback failed, platform may be inconsistent",
				"improvement_id", id, "reason", reason, "error", err)
			return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
		}
	}

	if err := o.archive.UpdateStatus(ctx, id, model.ImprovementRolledBack); err != nil {
		return err
	}
	cycleOutcomes.WithLabelValues("rolled_back").Inc()
	o.logger.Info("improvement rolled back",
		"improvement_id", id,
		"reason", reason,
		"forced", force,
	)
	return nil
}

// GetStatus reports the state of an improvement: its in-flight cycle when
// one exists, otherwise its archived record.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (StatusReport, error) {
	o.mu.Lock()
	c, inFlight := o.cycles[id]
	o.mu.Unlock()

	if inFlight {
		report := StatusReport{ImprovementID: id, Phase: c.phase}
		if c.proposal != nil {
			report.StrategyArm = c.proposal.StrategyArm
		}
		if c.workflowID != "" {
			if wf, err := o.engine.Get(c.workflowID); err == nil {
				report.Workflow = &wf
			}
		}
		return report, nil
	}

	record, err := o.archive.Get(ctx, id)
	if err != nil {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrCycleNotFound, id)
	}
	phase := model.PhaseArchived
	if record.Status == model.ImprovementRolledBack {
		phase = model.PhaseRolledBack
	}
	return StatusReport{
		ImprovementID: id,
		Phase:         phase,
		StrategyArm:   record.StrategyArm,
		Record:        record,
	}, nil
}

// BanditReport exposes the current arm statistics.
func (o *Orchestrator) BanditReport(ctx context.Context) (bandit.Report, error) {
	return o.selector.Report(ctx, o.catalog.ContextKey)
}

// ListArchive pages through archived improvements.
func (o *Orchestrator) ListArchive(ctx context.Context, filter model.ArchiveFilter, page, pageSize int) (archive.Page, error) {
	return o.archive.List(ctx, filter, page, pageSize)
}

// Wait blocks until all finalize goroutines have drained. Test and shutdown
// hook.
func (o *Orchestrator) Wait() {
	o.engine.Wait()
	o.wg.Wait()
}

// release removes a cycle from the in-flight table.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.cycles, id)
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(id, phase string) {
	o.mu.Lock()
	if c, ok := o.cycles[id]; ok {
		c.phase = phase
	}
	o.mu.Unlock()
}

// metricsFromOutput recovers the post-change snapshot from workflow output.
func metricsFromOutput(output map[string]any) map[string]float64 {
	if output == nil {
		return nil
	}
	after, _ := output["metrics_after"].(map[string]float64)
	return after
}

func withEntry(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	if v != "" {
		out[k] = v
	}
	return out
}
