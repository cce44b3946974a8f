package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepOption customises a step added through the Builder
type StepOption func(*stepBase)

// WithStepID fixes the step id instead of generating one
func WithStepID(id string) StepOption {
	return func(b *stepBase) { b.StepID = id }
}

// WithNext sets the step that follows this one
func WithNext(id string) StepOption {
	return func(b *stepBase) { b.Next = id }
}

// Builder assembles a Workflow. Steps are referenced by the ids the Add
// methods return; the first added step is the default start.
type Builder struct {
	name      string
	steps     map[string]Step
	order     []string
	start     string
	context   map[string]interface{}
	maxVisits int
	errs      []error
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:    name,
		steps:   make(map[string]Step),
		context: make(map[string]interface{}),
	}
}

func (b *Builder) base(name string, opts []StepOption) stepBase {
	base := stepBase{StepName: name}
	for _, opt := range opts {
		opt(&base)
	}
	if base.StepID == "" {
		base.StepID = uuid.NewString()
	}
	return base
}

func (b *Builder) add(s Step) string {
	id := s.ID()
	if _, dup := b.steps[id]; dup {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateStep, id))
		return id
	}
	b.steps[id] = s
	b.order = append(b.order, id)
	if b.start == "" {
		b.start = id
	}
	return id
}

// AddAction adds a step running the registered action
func (b *Builder) AddAction(name, action string, params map[string]interface{}, opts ...StepOption) string {
	return b.add(&ActionStep{stepBase: b.base(name, opts), Action: action, Params: params})
}

// AddCondition adds a branch on the registered predicate
func (b *Builder) AddCondition(name, predicate string, params map[string]interface{}, trueBranch, falseBranch string, opts ...StepOption) string {
	return b.add(&ConditionStep{
		stepBase:    b.base(name, opts),
		Predicate:   predicate,
		Params:      params,
		TrueBranch:  trueBranch,
		FalseBranch: falseBranch,
	})
}

// AddParallel adds a step running steps concurrently
func (b *Builder) AddParallel(name string, steps []string, waitAll bool, opts ...StepOption) string {
	return b.add(&ParallelStep{stepBase: b.base(name, opts), Steps: steps, WaitAll: waitAll})
}

// AddLoop adds a step repeating steps while the loop predicate holds
func (b *Builder) AddLoop(name string, steps []string, predicate string, params map[string]interface{}, maxIterations int, opts ...StepOption) string {
	return b.add(&LoopStep{
		stepBase:      b.base(name, opts),
		Steps:         steps,
		Predicate:     predicate,
		Params:        params,
		MaxIterations: maxIterations,
	})
}

// AddWait adds a fixed delay
func (b *Builder) AddWait(name string, d time.Duration, opts ...StepOption) string {
	return b.add(&WaitStep{stepBase: b.base(name, opts), Duration: d})
}

// Connect makes to the successor of from. Condition steps branch through
// their true and false targets and cannot be connected.
func (b *Builder) Connect(from, to string) *Builder {
	s, ok := b.steps[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("connect %s -> %s: %w", from, to, ErrUnknownStep))
		return b
	}
	switch v := s.(type) {
	case *ActionStep:
		v.Next = to
	case *ParallelStep:
		v.Next = to
	case *LoopStep:
		v.Next = to
	case *WaitStep:
		v.Next = to
	default:
		b.errs = append(b.errs, fmt.Errorf("connect %s: %w: condition steps use branches", from, ErrInvalidStep))
	}
	return b
}

func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// SetContext merges values into the initial context of built workflows
func (b *Builder) SetContext(values map[string]interface{}) *Builder {
	for k, v := range values {
		b.context[k] = v
	}
	return b
}

// WithMaxStepVisits caps how often one step may run per execution
func (b *Builder) WithMaxStepVisits(n int) *Builder {
	b.maxVisits = n
	return b
}

// Build validates the graph shape and returns a new Workflow. Action and
// predicate names are checked when the engine starts the workflow.
func (b *Builder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	steps := make(map[string]Step, len(b.steps))
	for id, s := range b.steps {
		steps[id] = s
	}
	initial := make(map[string]interface{}, len(b.context))
	for k, v := range b.context {
		initial[k] = v
	}
	wf := &Workflow{
		ID:            uuid.NewString(),
		Name:          b.name,
		Steps:         steps,
		StartStep:     b.start,
		MaxStepVisits: b.maxVisits,
		initial:       initial,
		status:        StatusPending,
		context:       NewContext(initial),
	}
	if err := wf.Validate(nil); err != nil {
		return nil, err
	}
	return wf, nil
}
