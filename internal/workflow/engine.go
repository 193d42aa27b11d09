package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tannerhall/helmsman/internal/model"
)

// ErrCapacity is returned by Submit when the engine is at its concurrency
// limit. No workflow state is created in that case.
var ErrCapacity = errors.New("workflow engine at capacity")

// ErrNotFound is returned when a workflow ID is not in the in-memory index.
var ErrNotFound = errors.New("workflow not found")

var taskOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helmsman_workflow_outcomes_total",
		Help: "Terminal workflow outcomes by type and status.",
	},
	[]string{"type", "status"},
)

func init() {
	prometheus.MustRegister(taskOutcomes)
}

// StepFunc is the unit of work a workflow runs. It must honor ctx: the engine
// applies the per-task deadline and cooperative cancellation through it.
type StepFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Config holds engine tuning.
type Config struct {
	// MaxConcurrent caps simultaneously active (pending or running) workflows.
	MaxConcurrent int
	// MaxRetries bounds automatic re-execution after a failed attempt.
	MaxRetries int
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase time.Duration
	// DefaultTimeout applies when Submit is given a non-positive timeout.
	DefaultTimeout time.Duration
	// MonitorInterval is the stuck-task sweep period.
	MonitorInterval time.Duration
	// RetentionPeriod is how long terminal workflows stay queryable in the
	// in-memory index before the monitor evicts them.
	RetentionPeriod time.Duration
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		MaxRetries:      3,
		BackoffBase:     time.Second,
		DefaultTimeout:  5 * time.Minute,
		MonitorInterval: 30 * time.Second,
		RetentionPeriod: time.Hour,
	}
}

// task is one supervised workflow: its state, its step, and the handles the
// engine needs to cancel and join it.
type task struct {
	wf     *model.Workflow
	step   StepFunc
	cancel context.CancelFunc
	// cancelRequested distinguishes a cooperative cancel from a deadline.
	cancelRequested bool
	// cancelCh unblocks backoff sleeps when a cancel arrives between attempts.
	cancelCh chan struct{}
	// done is closed exactly once, on the terminal transition.
	done chan struct{}
}

// Engine orchestrates asynchronous workflow execution. The task index is the
// engine's single shared mutable resource and is guarded by one mutex; step
// logic always runs outside it.
type Engine struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	wg sync.WaitGroup
}

// NewEngine creates a workflow engine. Zero config fields fall back to
// defaults.
func NewEngine(config Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = def.MonitorInterval
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = def.RetentionPeriod
	}
	return &Engine{
		config: config,
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Submit admits a workflow and schedules it for independent concurrent
// execution. It rejects with ErrCapacity, creating no state, when the count
// of active workflows has reached MaxConcurrent. Active means any
// non-terminal status: a task waiting out a retry backoff still occupies its
// slot, so admission bounds total in-flight work rather than only what is
// Running this instant.
func (e *Engine) Submit(wfType string, input map[string]any, priority int, timeout time.Duration, step StepFunc) (string, error) {
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	e.mu.Lock()
	active := 0
	for _, t := range e.tasks {
		if !model.WorkflowTerminal(t.wf.Status) {
			active++
		}
	}
	if active >= e.config.MaxConcurrent {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %d active", ErrCapacity, active)
	}

	wf := &model.Workflow{
		ID:         model.NewID(),
		Type:       wfType,
		Status:     model.WorkflowPending,
		Priority:   priority,
		Input:      input,
		MaxRetries: e.config.MaxRetries,
		Timeout:    timeout,
		CreatedAt:  time.Now().UTC(),
	}
	t := &task{
		wf:       wf,
		step:     step,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.tasks[wf.ID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(t)
	}()

	return wf.ID, nil
}

// Get returns a copy of the workflow state for status queries.
func (e *Engine) Get(id string) (model.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return model.Workflow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *t.wf, nil
}

// Watch returns a channel that closes when the workflow reaches a terminal
// state. Callers then read the outcome with Get.
func (e *Engine) Watch(id string) (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.done, nil
}

// Cancel requests cooperative cancellation and returns immediately. The
// terminal transition to Cancelled happens asynchronously once the running
// step observes the request; a workflow already terminal is left untouched.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if model.WorkflowTerminal(t.wf.Status) {
		return nil
	}
	if !t.cancelRequested {
		t.cancelRequested = true
		close(t.cancelCh)
		if t.cancel != nil {
			t.cancel()
		}
	}
	return nil
}

// Wait blocks until all in-flight workflow goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run drives one workflow through its attempts until a terminal state.
func (e *Engine) run(t *task) {
	for {
		ctx, cancelled := e.startAttempt(t)
		if cancelled {
			e.finish(t, model.WorkflowCancelled, nil, "cancelled before start")
			return
		}

		output, err := t.step(ctx, t.wf.Input)
		timedOut := ctx.Err() == context.DeadlineExceeded
		t.cancel()

		if err == nil {
			e.finish(t, model.WorkflowCompleted, output, "")
			return
		}

		e.mu.Lock()
		requested := t.cancelRequested
		retries := t.wf.RetryCount
		terminal := model.WorkflowTerminal(t.wf.Status)
		e.mu.Unlock()

		if terminal {
			// The monitor force-failed this workflow while the step was
			// still unwinding; nothing left to do.
			return
		}

		if requested {
			e.finish(t, model.WorkflowCancelled, nil, err.Error())
			return
		}

		errMsg := err.Error()
		if timedOut {
			errMsg = fmt.Sprintf("timed out after %s", t.wf.Timeout)
		}

		if retries >= t.wf.MaxRetries {
			e.finish(t, model.WorkflowFailed, nil, errMsg)
			return
		}

		// Re-enter pending with the error cleared and the retry counted,
		// then back off before the next attempt.
		delay := e.config.BackoffBase << uint(retries)
		e.mu.Lock()
		t.wf.Status = model.WorkflowPending
		t.wf.RetryCount++
		t.wf.Error = ""
		e.mu.Unlock()

		e.logger.Info("workflow retry scheduled",
			"workflow_id", t.wf.ID,
			"type", t.wf.Type,
			"retry", retries+1,
			"max_retries", t.wf.MaxRetries,
			"backoff", delay,
			"cause", errMsg,
		)

		select {
		case <-time.After(delay):
		case <-t.cancelCh:
			e.finish(t, model.WorkflowCancelled, nil, "cancelled during backoff")
			return
		}
	}
}

// startAttempt transitions a task to running under a fresh per-attempt
// deadline. It reports cancelled=true when a cancel arrived first.
func (e *Engine) startAttempt(t *task) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.cancelRequested {
		return nil, true
	}

	now := time.Now().UTC()
	t.wf.Status = model.WorkflowRunning
	if t.wf.StartedAt == nil {
		t.wf.StartedAt = &now
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.wf.Timeout)
	t.cancel = cancel
	return ctx, false
}

// finish records a terminal transition.
func (e *Engine) finish(t *task, status string, output map[string]any, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if model.WorkflowTerminal(t.wf.Status) {
		return
	}

	now := time.Now().UTC()
	t.wf.Status = status
	t.wf.Output = output
	t.wf.Error = errMsg
	t.wf.FinishedAt = &now

	close(t.done)
	taskOutcomes.WithLabelValues(t.wf.Type, status).Inc()
	e.logger.Info("workflow finished",
		"workflow_id", t.wf.ID,
		"type", t.wf.Type,
		"status", status,
		"retries", t.wf.RetryCount,
		"error", errMsg,
	)
}
