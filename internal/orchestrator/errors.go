package orchestrator

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidPriority is returned when an invalid priority is specified
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidTaskType is returned when a task type is not recognised
	ErrInvalidTaskType = errors.New("invalid task type")

	// ErrUnknownDependency is returned when a dependency id does not refer to a known task
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyFailed is returned when a dependency already failed or was cancelled
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrNoHandler is returned when no handler is registered for a task type
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrTaskFinished is returned when cancelling a task that already reached a terminal state
	ErrTaskFinished = errors.New("task already finished")

	// ErrQueueEmpty is returned when a dequeue times out
	ErrQueueEmpty = errors.New("task queue is empty")

	// ErrUnknownBackoff is returned for an unsupported backoff strategy name
	ErrUnknownBackoff = errors.New("unknown backoff strategy")

	// ErrAlreadyRunning is returned when Start is called twice
	ErrAlreadyRunning = errors.New("orchestrator is already running")
)
