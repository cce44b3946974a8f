package model

import (
	"fmt"
	"time"
)

// TaskType identifies which handler processes a task
type TaskType string

const (
	TaskTypeScrape   TaskType = "scrape"
	TaskTypeMonitor  TaskType = "monitor"
	TaskTypeAnalyze  TaskType = "analyze"
	TaskTypeLearn    TaskType = "learn"
	TaskTypeEvaluate TaskType = "evaluate"
	TaskTypeReport   TaskType = "report"
)

// TaskTypes lists every known task type
func TaskTypes() []TaskType {
	return []TaskType{
		TaskTypeScrape,
		TaskTypeMonitor,
		TaskTypeAnalyze,
		TaskTypeLearn,
		TaskTypeEvaluate,
		TaskTypeReport,
	}
}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// Terminal reports whether no further transition can happen from s
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority represents the priority level of a task. Higher values are
// dequeued first.
type TaskPriority int

const (
	TaskPriorityBackground TaskPriority = 1
	TaskPriorityLow        TaskPriority = 2
	TaskPriorityMedium     TaskPriority = 3
	TaskPriorityHigh       TaskPriority = 4
	TaskPriorityCritical   TaskPriority = 5
)

// Priorities returns all priority levels, highest first
func Priorities() []TaskPriority {
	return []TaskPriority{
		TaskPriorityCritical,
		TaskPriorityHigh,
		TaskPriorityMedium,
		TaskPriorityLow,
		TaskPriorityBackground,
	}
}

// Valid reports whether p is one of the defined levels
func (p TaskPriority) Valid() bool {
	return p >= TaskPriorityBackground && p <= TaskPriorityCritical
}

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityCritical:
		return "critical"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityMedium:
		return "medium"
	case TaskPriorityLow:
		return "low"
	case TaskPriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into its level
func ParsePriority(name string) (TaskPriority, error) {
	for _, p := range Priorities() {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// Task represents a unit of work dispatched by the orchestrator
type Task struct {
	ID           string                 `json:"id"`
	Type         TaskType               `json:"type"`
	Priority     TaskPriority           `json:"priority"`
	Config       map[string]interface{} `json:"config"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Status       TaskStatus             `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Execution details
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// TaskSnapshot is a point-in-time copy of a task's observable state
type TaskSnapshot struct {
	ID           string                 `json:"id"`
	Type         TaskType               `json:"type"`
	Priority     TaskPriority           `json:"priority"`
	Status       TaskStatus             `json:"status"`
	Dependencies []string               `json:"dependencies,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Result       interface{}            `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Snapshot copies the task's observable fields. Callers must hold whatever
// lock guards t.
func (t *Task) Snapshot() TaskSnapshot {
	s := TaskSnapshot{
		ID:           t.ID,
		Type:         t.Type,
		Priority:     t.Priority,
		Status:       t.Status,
		Dependencies: append([]string(nil), t.Dependencies...),
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
		StartedAt:    copyTime(t.StartedAt),
		CompletedAt:  copyTime(t.CompletedAt),
		Result:       t.Result,
		Error:        t.Error,
	}
	if len(t.Metadata) > 0 {
		s.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

// TaskSpec describes a task to be created
type TaskSpec struct {
	Type         TaskType               `json:"type"`
	Priority     TaskPriority           `json:"priority"`
	Config       map[string]interface{} `json:"config"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string      `json:"task_id"`
	Status      TaskStatus  `json:"status"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`

	// FollowUps are created by the orchestrator once the task completes
	FollowUps []TaskSpec `json:"follow_ups,omitempty"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
