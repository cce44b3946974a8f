package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// StepType tags a workflow step variant
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepParallel  StepType = "parallel"
	StepLoop      StepType = "loop"
	StepWait      StepType = "wait"
)

const defaultMaxIterations = 100

// StepResult records one execution of a step
type StepResult struct {
	StepID        string                 `json:"step_id"`
	Success       bool                   `json:"success"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func failed(err error) StepResult {
	return StepResult{Success: false, Error: err.Error()}
}

// Step is a node of a workflow graph. The concrete variants are ActionStep,
// ConditionStep, ParallelStep, LoopStep and WaitStep.
type Step interface {
	ID() string
	Name() string
	Type() StepType

	execute(ctx context.Context, run *execution) StepResult
	// next picks the step to continue with after a successful result
	next(result StepResult) string
	references() []string
	validate(r *Registry) error
}

type stepBase struct {
	StepID   string
	StepName string
	Next     string
}

func (b *stepBase) ID() string   { return b.StepID }
func (b *stepBase) Name() string { return b.StepName }

func (b *stepBase) next(StepResult) string { return b.Next }

func (b *stepBase) references() []string {
	if b.Next == "" {
		return nil
	}
	return []string{b.Next}
}

// ActionStep runs a registered Action
type ActionStep struct {
	stepBase
	Action string
	Params map[string]interface{}
}

func (s *ActionStep) Type() StepType { return StepAction }

func (s *ActionStep) validate(r *Registry) error {
	if _, ok := r.Action(s.Action); !ok {
		return fmt.Errorf("step %s: %w: %q", s.StepID, ErrUnknownAction, s.Action)
	}
	return nil
}

func (s *ActionStep) execute(ctx context.Context, run *execution) StepResult {
	action, ok := run.registry.Action(s.Action)
	if !ok {
		return failed(fmt.Errorf("%w: %q", ErrUnknownAction, s.Action))
	}
	out, err := action.Execute(ctx, run.context, s.Params)
	if err != nil {
		return failed(err)
	}
	return StepResult{Success: true, Output: out}
}

// ConditionStep evaluates a Predicate and branches on its outcome
type ConditionStep struct {
	stepBase
	Predicate   string
	Params      map[string]interface{}
	TrueBranch  string
	FalseBranch string
}

func (s *ConditionStep) Type() StepType { return StepCondition }

func (s *ConditionStep) validate(r *Registry) error {
	if _, ok := r.Predicate(s.Predicate); !ok {
		return fmt.Errorf("step %s: %w: %q", s.StepID, ErrUnknownPredicate, s.Predicate)
	}
	return nil
}

func (s *ConditionStep) execute(ctx context.Context, run *execution) StepResult {
	pred, ok := run.registry.Predicate(s.Predicate)
	if !ok {
		return failed(fmt.Errorf("%w: %q", ErrUnknownPredicate, s.Predicate))
	}
	ok, err := pred.Evaluate(ctx, run.context, s.Params)
	if err != nil {
		return failed(err)
	}
	return StepResult{Success: true, Output: ok}
}

func (s *ConditionStep) next(result StepResult) string {
	if taken, _ := result.Output.(bool); taken {
		return s.TrueBranch
	}
	return s.FalseBranch
}

func (s *ConditionStep) references() []string {
	var refs []string
	for _, id := range []string{s.TrueBranch, s.FalseBranch} {
		if id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// ParallelStep runs its inner steps concurrently. With WaitAll it succeeds
// only when every branch succeeds; otherwise the first branch to finish
// decides the outcome and the others are cancelled.
type ParallelStep struct {
	stepBase
	Steps   []string
	WaitAll bool
}

func (s *ParallelStep) Type() StepType { return StepParallel }

func (s *ParallelStep) references() []string {
	return append(append([]string{}, s.Steps...), s.stepBase.references()...)
}

func (s *ParallelStep) validate(*Registry) error { return nil }

func (s *ParallelStep) execute(ctx context.Context, run *execution) StepResult {
	if len(s.Steps) == 0 {
		return StepResult{Success: true, Output: map[string]interface{}{}}
	}
	if s.WaitAll {
		return s.executeAll(ctx, run)
	}
	return s.executeFirst(ctx, run)
}

func (s *ParallelStep) executeAll(ctx context.Context, run *execution) StepResult {
	p := pool.NewWithResults[StepResult]()
	for _, id := range s.Steps {
		id := id
		p.Go(func() StepResult { return run.runStep(ctx, id) })
	}
	results := p.Wait()

	outputs := make(map[string]interface{}, len(results))
	var errs []error
	for _, r := range results {
		outputs[r.StepID] = r.Output
		if !r.Success {
			errs = append(errs, fmt.Errorf("branch %s: %s", r.StepID, r.Error))
		}
	}
	if len(errs) > 0 {
		res := failed(errors.Join(errs...))
		res.Output = outputs
		return res
	}
	return StepResult{Success: true, Output: outputs}
}

func (s *ParallelStep) executeFirst(ctx context.Context, run *execution) StepResult {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan StepResult, len(s.Steps))
	var wg conc.WaitGroup
	for _, id := range s.Steps {
		id := id
		wg.Go(func() { done <- run.runStep(branchCtx, id) })
	}

	var first StepResult
	select {
	case first = <-done:
	case <-ctx.Done():
		first = failed(ctx.Err())
	}
	cancel()
	// losing branches must observe cancellation before the step ends so
	// they stop touching the shared context
	wg.Wait()

	if !first.Success {
		res := failed(fmt.Errorf("branch %s: %s", first.StepID, first.Error))
		res.Metadata = map[string]interface{}{"winner": first.StepID}
		return res
	}
	return StepResult{
		Success:  true,
		Output:   map[string]interface{}{first.StepID: first.Output},
		Metadata: map[string]interface{}{"winner": first.StepID},
	}
}

// LoopStep runs its inner steps in sequence while the loop predicate holds,
// at most MaxIterations times. An empty predicate name always continues.
type LoopStep struct {
	stepBase
	Steps         []string
	Predicate     string
	Params        map[string]interface{}
	MaxIterations int
}

func (s *LoopStep) Type() StepType { return StepLoop }

func (s *LoopStep) references() []string {
	return append(append([]string{}, s.Steps...), s.stepBase.references()...)
}

func (s *LoopStep) validate(r *Registry) error {
	if s.Predicate == "" {
		return nil
	}
	if _, ok := r.LoopPredicate(s.Predicate); !ok {
		return fmt.Errorf("step %s: %w: %q", s.StepID, ErrUnknownPredicate, s.Predicate)
	}
	return nil
}

func (s *LoopStep) execute(ctx context.Context, run *execution) StepResult {
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	var pred LoopPredicate
	if s.Predicate != "" {
		p, ok := run.registry.LoopPredicate(s.Predicate)
		if !ok {
			return failed(fmt.Errorf("%w: %q", ErrUnknownPredicate, s.Predicate))
		}
		pred = p
	}

	iteration := 0
	var last map[string]interface{}
	for ; iteration < maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
		if pred != nil {
			cont, err := pred.Continue(ctx, run.context, iteration, s.Params)
			if err != nil {
				return failed(err)
			}
			if !cont {
				break
			}
		}

		last = make(map[string]interface{}, len(s.Steps))
		for _, id := range s.Steps {
			r := run.runStep(ctx, id)
			if !r.Success {
				res := failed(fmt.Errorf("iteration %d step %s: %s", iteration, id, r.Error))
				res.Metadata = map[string]interface{}{"iterations": iteration}
				return res
			}
			last[id] = r.Output
		}
	}

	return StepResult{
		Success:  true,
		Output:   map[string]interface{}{"iterations": iteration, "results": last},
		Metadata: map[string]interface{}{"iterations": iteration},
	}
}

// WaitStep pauses the run for Duration
type WaitStep struct {
	stepBase
	Duration time.Duration
}

func (s *WaitStep) Type() StepType { return StepWait }

func (s *WaitStep) validate(*Registry) error {
	if s.Duration < 0 {
		return fmt.Errorf("step %s: %w: negative duration", s.StepID, ErrInvalidStep)
	}
	return nil
}

func (s *WaitStep) execute(ctx context.Context, _ *execution) StepResult {
	timer := time.NewTimer(s.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StepResult{Success: true, Output: s.Duration.String()}
	case <-ctx.Done():
		return failed(ctx.Err())
	}
}
