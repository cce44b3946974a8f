// Package workflow executes graphs of steps (actions, conditions, parallel
// branches, loops and waits) over a shared per-run context.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const defaultMaxStepVisits = 1

var ErrEngineClosed = errors.New("workflow engine closed")

// Config holds engine settings
type Config struct {
	// MaxStepVisits caps how many times one step may run on the main path of
	// a single execution. Loop and parallel inner steps are not counted.
	MaxStepVisits int `mapstructure:"max_step_visits"`
}

// Callback is invoked once a workflow reaches a terminal status
type Callback func(ctx context.Context, result ExecutionResult)

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	// stop records why the run was interrupted
	stop Status
}

// Engine runs workflows, each on its own goroutine
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	registry *Registry

	mu        sync.Mutex
	workflows map[string]*Workflow
	runs      map[string]*activeRun
	callbacks []Callback
	closed    bool

	wg conc.WaitGroup
}

func NewEngine(cfg Config, registry *Registry, logger *zap.Logger) *Engine {
	if cfg.MaxStepVisits <= 0 {
		cfg.MaxStepVisits = defaultMaxStepVisits
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.Named("workflow-engine"),
		registry:  registry,
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*activeRun),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) RegisterCallback(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// ExecuteWorkflow runs wf to completion and returns its outcome. Cancelling
// ctx cancels the run.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow, initial map[string]interface{}) (ExecutionResult, error) {
	if err := e.Start(ctx, wf, initial); err != nil {
		return ExecutionResult{}, err
	}
	return e.Wait(ctx, wf.ID)
}

// Start launches wf in the background. The run is bound to ctx.
func (e *Engine) Start(ctx context.Context, wf *Workflow, initial map[string]interface{}) error {
	if err := wf.Validate(e.registry); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, active := e.runs[wf.ID]; active || wf.Status() == StatusPaused {
		return ErrWorkflowActive
	}
	e.workflows[wf.ID] = wf
	wf.reset(initial)

	e.logger.Info("Workflow started",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.String("start_step", wf.StartStep))
	e.launch(ctx, wf)
	return nil
}

// launch must be called with e.mu held
func (e *Engine) launch(ctx context.Context, wf *Workflow) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.runs[wf.ID] = r
	e.wg.Go(func() {
		defer cancel()
		e.traverse(runCtx, wf, r)
	})
}

// Wait blocks until the current run of the workflow stops and returns its
// result. It returns immediately for workflows that are not running.
func (e *Engine) Wait(ctx context.Context, id string) (ExecutionResult, error) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	r := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return ExecutionResult{}, ErrWorkflowNotFound
	}
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return wf.result(), ctx.Err()
		}
	}
	return wf.result(), nil
}

func (e *Engine) traverse(ctx context.Context, wf *Workflow, r *activeRun) {
	logger := e.logger.With(zap.String("workflow_id", wf.ID))
	exec := &execution{
		workflow: wf,
		registry: e.registry,
		context:  wf.Context(),
		logger:   logger,
	}
	maxVisits := wf.MaxStepVisits
	if maxVisits <= 0 {
		maxVisits = e.cfg.MaxStepVisits
	}

	for {
		if ctx.Err() != nil {
			e.interrupt(ctx, wf, r)
			return
		}

		wf.mu.Lock()
		id := wf.nextStep
		wf.currentStep = id
		visits := wf.visits[id]
		wf.mu.Unlock()

		if id == "" {
			e.finish(ctx, wf, r, StatusCompleted, "")
			return
		}
		step, ok := wf.Steps[id]
		if !ok {
			e.finish(ctx, wf, r, StatusFailed, fmt.Sprintf("%s: %s", ErrUnknownStep, id))
			return
		}
		if visits >= maxVisits {
			logger.Warn("Step visit limit reached", zap.String("step_id", id), zap.Int("visits", visits))
			e.finish(ctx, wf, r, StatusFailed, fmt.Sprintf("step %s: %s (%d)", id, ErrStepVisitLimit, maxVisits))
			return
		}

		res := exec.runStep(ctx, id)
		if !res.Success && ctx.Err() != nil {
			e.interrupt(ctx, wf, r)
			return
		}

		wf.mu.Lock()
		wf.results[id] = res
		wf.visits[id]++
		if res.Success {
			wf.nextStep = step.next(res)
		}
		wf.mu.Unlock()

		if !res.Success {
			e.finish(ctx, wf, r, StatusFailed, fmt.Sprintf("step %s: %s", id, res.Error))
			return
		}
	}
}

// interrupt ends a run whose context was cancelled, either by Pause, by
// Cancel or from outside
func (e *Engine) interrupt(ctx context.Context, wf *Workflow, r *activeRun) {
	e.mu.Lock()
	stop := r.stop
	e.mu.Unlock()

	if stop != StatusPaused {
		e.finish(ctx, wf, r, StatusCancelled, context.Cause(ctx).Error())
		return
	}

	wf.mu.Lock()
	wf.status = StatusPaused
	next := wf.nextStep
	wf.mu.Unlock()

	e.mu.Lock()
	delete(e.runs, wf.ID)
	e.mu.Unlock()
	close(r.done)
	e.logger.Info("Workflow paused", zap.String("workflow_id", wf.ID), zap.String("resume_at", next))
}

func (e *Engine) finish(ctx context.Context, wf *Workflow, r *activeRun, status Status, errMsg string) {
	e.markFinished(wf, status, errMsg)

	e.mu.Lock()
	if r != nil {
		delete(e.runs, wf.ID)
	}
	e.mu.Unlock()

	e.notify(context.WithoutCancel(ctx), wf)
	if r != nil {
		close(r.done)
	}
}

func (e *Engine) markFinished(wf *Workflow, status Status, errMsg string) {
	wf.mu.Lock()
	wf.status = status
	wf.err = errMsg
	wf.completedAt = time.Now()
	duration := wf.completedAt.Sub(wf.startedAt)
	wf.mu.Unlock()

	fields := []zap.Field{
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	}
	if status == StatusFailed {
		e.logger.Error("Workflow failed", append(fields, zap.String("error", errMsg))...)
		return
	}
	e.logger.Info("Workflow finished", fields...)
}

func (e *Engine) notify(ctx context.Context, wf *Workflow) {
	e.mu.Lock()
	callbacks := append([]Callback(nil), e.callbacks...)
	e.mu.Unlock()

	result := wf.result()
	for _, cb := range callbacks {
		cb := cb
		if r := panics.Try(func() { cb(ctx, result) }); r != nil {
			e.logger.Error("Workflow callback panicked",
				zap.String("workflow_id", wf.ID),
				zap.Error(r.AsError()))
		}
	}
}

func (e *Engine) lookup(id string) (*Workflow, *activeRun, error) {
	wf, ok := e.workflows[id]
	if !ok {
		return nil, nil, ErrWorkflowNotFound
	}
	return wf, e.runs[id], nil
}

// PauseWorkflow interrupts a running workflow. The step in flight is
// abandoned and runs again on resume.
func (e *Engine) PauseWorkflow(id string) error {
	e.mu.Lock()
	wf, r, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if r == nil {
		e.mu.Unlock()
		return ErrWorkflowNotRunning
	}
	r.stop = StatusPaused
	r.cancel()
	e.mu.Unlock()

	<-r.done
	if wf.Status().Terminal() {
		return ErrWorkflowFinished
	}
	return nil
}

// ResumeWorkflow continues a paused workflow from the interrupted step
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	wf, _, err := e.lookup(id)
	if err != nil {
		return err
	}

	wf.mu.Lock()
	if wf.status != StatusPaused {
		wf.mu.Unlock()
		return ErrWorkflowNotPaused
	}
	wf.status = StatusRunning
	next := wf.nextStep
	wf.mu.Unlock()

	e.logger.Info("Workflow resumed", zap.String("workflow_id", id), zap.String("step_id", next))
	e.launch(ctx, wf)
	return nil
}

// CancelWorkflow stops a running or paused workflow and marks it cancelled
func (e *Engine) CancelWorkflow(id string) error {
	e.mu.Lock()
	wf, r, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if r != nil {
		r.stop = StatusCancelled
		r.cancel()
		e.mu.Unlock()
		<-r.done
		if wf.Status() != StatusCancelled {
			return ErrWorkflowFinished
		}
		return nil
	}
	e.mu.Unlock()

	switch st := wf.Status(); {
	case st == StatusPaused:
		e.finish(context.Background(), wf, nil, StatusCancelled, context.Canceled.Error())
		return nil
	case st.Terminal():
		return ErrWorkflowFinished
	default:
		return ErrWorkflowNotRunning
	}
}

func (e *Engine) GetWorkflowStatus(id string) (StatusSnapshot, error) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	e.mu.Unlock()
	if !ok {
		return StatusSnapshot{}, ErrWorkflowNotFound
	}
	return wf.snapshot(), nil
}

// ListWorkflows returns every known workflow, most recently started first
func (e *Engine) ListWorkflows() []StatusSnapshot {
	e.mu.Lock()
	list := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		list = append(list, wf)
	}
	e.mu.Unlock()

	out := make([]StatusSnapshot, 0, len(list))
	for _, wf := range list {
		out = append(out, wf.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].StartedAt != nil
		}
		return out[i].StartedAt.After(*out[j].StartedAt)
	})
	return out
}

// Close cancels every running workflow and waits for them to stop
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.stop = StatusCancelled
		r.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// execution carries what steps need while running
type execution struct {
	workflow *Workflow
	registry *Registry
	context  *Context
	logger   *zap.Logger
}

// runStep executes one step by id, recovering panics into a failed result
func (x *execution) runStep(ctx context.Context, id string) StepResult {
	step, ok := x.workflow.Steps[id]
	if !ok {
		res := failed(fmt.Errorf("%w: %s", ErrUnknownStep, id))
		res.StepID = id
		return res
	}

	start := time.Now()
	var res StepResult
	if r := panics.Try(func() { res = step.execute(ctx, x) }); r != nil {
		res = failed(r.AsError())
	}
	res.StepID = id
	res.ExecutionTime = time.Since(start)

	if res.Success {
		x.logger.Debug("Step completed",
			zap.String("step_id", id),
			zap.String("type", string(step.Type())),
			zap.Duration("duration", res.ExecutionTime))
	} else {
		x.logger.Warn("Step failed",
			zap.String("step_id", id),
			zap.String("type", string(step.Type())),
			zap.String("error", res.Error))
	}
	return res
}
