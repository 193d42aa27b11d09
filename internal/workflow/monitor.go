package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
)

// Monitor runs the periodic sweep until ctx is cancelled: it force-fails any
// running workflow that escaped its per-attempt deadline and evicts terminal
// workflows older than the retention period. It is the coarse backstop that
// bounds every workflow to timeout plus one monitor interval.
func (e *Engine) Monitor(ctx context.Context) {
	ticker := time.NewTicker(e.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(time.Now().UTC())
		}
	}
}

// sweep is one monitor pass, factored out for tests.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, t := range e.tasks {
		switch {
		case t.wf.Status == model.WorkflowRunning && t.wf.StartedAt != nil &&
			now.Sub(*t.wf.StartedAt) > t.wf.Timeout:
			// Step logic escaped its deadline; fail it defensively.
			fin := now
			t.wf.Status = model.WorkflowFailed
			t.wf.Error = fmt.Sprintf("force-failed by monitor: exceeded timeout %s", t.wf.Timeout)
			t.wf.FinishedAt = &fin
			if t.cancel != nil {
				t.cancel()
			}
			close(t.done)
			taskOutcomes.WithLabelValues(t.wf.Type, model.WorkflowFailed).Inc()
			e.logger.Warn("workflow force-failed",
				"workflow_id", id,
				"type", t.wf.Type,
				"timeout", t.wf.Timeout,
			)

		case model.WorkflowTerminal(t.wf.Status) && t.wf.FinishedAt != nil &&
			now.Sub(*t.wf.FinishedAt) > e.config.RetentionPeriod:
			delete(e.tasks, id)
		}
	}
}
