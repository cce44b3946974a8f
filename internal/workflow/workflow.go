package workflow

import (
	"fmt"
	"sync"
	"time"
)

// Status of a workflow instance
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further steps will run
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Workflow is one executable instance of a step graph. Build a fresh
// instance (Builder.Build or Definition.Build) for every concurrent run.
type Workflow struct {
	ID        string
	Name      string
	Steps     map[string]Step
	StartStep string
	// MaxStepVisits overrides the engine default when positive
	MaxStepVisits int

	initial map[string]interface{}

	mu          sync.Mutex
	context     *Context
	status      Status
	currentStep string
	nextStep    string
	results     map[string]StepResult
	visits      map[string]int
	err         string
	startedAt   time.Time
	completedAt time.Time
}

// Validate checks the graph against r: the start step exists, every
// referenced step exists and every named action or predicate is registered
func (w *Workflow) Validate(r *Registry) error {
	if w.StartStep == "" {
		return ErrNoStartStep
	}
	if _, ok := w.Steps[w.StartStep]; !ok {
		return fmt.Errorf("start step %q: %w", w.StartStep, ErrUnknownStep)
	}
	for id, step := range w.Steps {
		for _, ref := range step.references() {
			if _, ok := w.Steps[ref]; !ok {
				return fmt.Errorf("step %s references %q: %w", id, ref, ErrUnknownStep)
			}
		}
		if r != nil {
			if err := step.validate(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Context returns the shared context of the current or last run
func (w *Workflow) Context() *Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.context
}

func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Workflow) reset(initial map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.context = NewContext(w.initial)
	w.context.Merge(initial)
	w.status = StatusRunning
	w.currentStep = ""
	w.nextStep = w.StartStep
	w.results = make(map[string]StepResult)
	w.visits = make(map[string]int)
	w.err = ""
	w.startedAt = time.Now()
	w.completedAt = time.Time{}
}

// StatusSnapshot is a point-in-time view of a workflow
type StatusSnapshot struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	CurrentStep    string     `json:"current_step,omitempty"`
	StepsCompleted int        `json:"steps_completed"`
	TotalSteps     int        `json:"total_steps"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (w *Workflow) snapshot() StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := StatusSnapshot{
		ID:             w.ID,
		Name:           w.Name,
		Status:         w.status,
		CurrentStep:    w.currentStep,
		StepsCompleted: len(w.results),
		TotalSteps:     len(w.Steps),
		Error:          w.err,
	}
	if !w.startedAt.IsZero() {
		t := w.startedAt
		s.StartedAt = &t
	}
	if !w.completedAt.IsZero() {
		t := w.completedAt
		s.CompletedAt = &t
	}
	return s
}

// ExecutionResult is the outcome of a run
type ExecutionResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     Status                 `json:"status"`
	Results    map[string]StepResult  `json:"results"`
	Context    map[string]interface{} `json:"context"`
	Error      string                 `json:"error,omitempty"`
}

func (w *Workflow) result() ExecutionResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := ExecutionResult{
		WorkflowID: w.ID,
		Status:     w.status,
		Results:    make(map[string]StepResult, len(w.results)),
		Error:      w.err,
	}
	for id, r := range w.results {
		res.Results[id] = r
	}
	if w.context != nil {
		res.Context = w.context.Snapshot()
	}
	return res
}
