package workflow

import "errors"

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowActive     = errors.New("workflow is already running or paused")
	ErrWorkflowNotRunning = errors.New("workflow is not running")
	ErrWorkflowNotPaused  = errors.New("workflow is not paused")
	ErrWorkflowFinished   = errors.New("workflow already finished")
	ErrNoStartStep        = errors.New("workflow has no start step")
	ErrUnknownStep        = errors.New("unknown step")
	ErrDuplicateStep      = errors.New("duplicate step id")
	ErrUnknownAction      = errors.New("unknown action")
	ErrUnknownPredicate   = errors.New("unknown predicate")
	ErrStepVisitLimit     = errors.New("step visit limit reached")
	ErrInvalidStep        = errors.New("invalid step")
)
