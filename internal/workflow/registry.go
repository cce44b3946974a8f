package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Action is the unit of work behind an action step
type Action interface {
	Execute(ctx context.Context, wctx *Context, params map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to the Action interface
type ActionFunc func(ctx context.Context, wctx *Context, params map[string]interface{}) (interface{}, error)

func (f ActionFunc) Execute(ctx context.Context, wctx *Context, params map[string]interface{}) (interface{}, error) {
	return f(ctx, wctx, params)
}

// Predicate decides which branch a condition step follows
type Predicate interface {
	Evaluate(ctx context.Context, wctx *Context, params map[string]interface{}) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface
type PredicateFunc func(ctx context.Context, wctx *Context, params map[string]interface{}) (bool, error)

func (f PredicateFunc) Evaluate(ctx context.Context, wctx *Context, params map[string]interface{}) (bool, error) {
	return f(ctx, wctx, params)
}

// LoopPredicate decides whether a loop step runs another iteration.
// iteration counts completed passes, starting at 0.
type LoopPredicate interface {
	Continue(ctx context.Context, wctx *Context, iteration int, params map[string]interface{}) (bool, error)
}

// LoopPredicateFunc adapts a function to the LoopPredicate interface
type LoopPredicateFunc func(ctx context.Context, wctx *Context, iteration int, params map[string]interface{}) (bool, error)

func (f LoopPredicateFunc) Continue(ctx context.Context, wctx *Context, iteration int, params map[string]interface{}) (bool, error) {
	return f(ctx, wctx, iteration, params)
}

// Registry maps names used in workflow definitions to implementations.
// Steps refer to actions and predicates by name only.
type Registry struct {
	mu             sync.RWMutex
	actions        map[string]Action
	predicates     map[string]Predicate
	loopPredicates map[string]LoopPredicate
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		actions:        make(map[string]Action),
		predicates:     make(map[string]Predicate),
		loopPredicates: make(map[string]LoopPredicate),
	}
}

// RegisterAction binds name to a; a later call with the same name replaces it
func (r *Registry) RegisterAction(name string, a Action) error {
	if name == "" || a == nil {
		return fmt.Errorf("register action: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
	return nil
}

// RegisterPredicate binds name to p
func (r *Registry) RegisterPredicate(name string, p Predicate) error {
	if name == "" || p == nil {
		return fmt.Errorf("register predicate: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
	return nil
}

// RegisterLoopPredicate binds name to p
func (r *Registry) RegisterLoopPredicate(name string, p LoopPredicate) error {
	if name == "" || p == nil {
		return fmt.Errorf("register loop predicate: name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loopPredicates[name] = p
	return nil
}

func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

func (r *Registry) Predicate(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

func (r *Registry) LoopPredicate(name string) (LoopPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.loopPredicates[name]
	return p, ok
}

// Names lists registered names per kind, sorted
func (r *Registry) Names() (actions, predicates, loopPredicates []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.actions {
		actions = append(actions, n)
	}
	for n := range r.predicates {
		predicates = append(predicates, n)
	}
	for n := range r.loopPredicates {
		loopPredicates = append(loopPredicates, n)
	}
	sort.Strings(actions)
	sort.Strings(predicates)
	sort.Strings(loopPredicates)
	return actions, predicates, loopPredicates
}
