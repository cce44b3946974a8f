package model

import (
	"time"
)

// ScheduleType selects how a job's next run is computed
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
)

// JobStatus represents the current status of a scheduled job
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// ScheduleConfig holds the parameters for every schedule type. Only the
// fields relevant to the job's ScheduleType are read.
type ScheduleConfig struct {
	RunAt    time.Time     `json:"run_at,omitempty" mapstructure:"run_at"`
	Interval time.Duration `json:"interval,omitempty" mapstructure:"interval"`
	Cron     string        `json:"cron,omitempty" mapstructure:"cron"`
	Hour     int           `json:"hour,omitempty" mapstructure:"hour"`
	Minute   int           `json:"minute,omitempty" mapstructure:"minute"`
	Weekday  time.Weekday  `json:"weekday,omitempty" mapstructure:"weekday"`
	Day      int           `json:"day,omitempty" mapstructure:"day"`
}

// ScheduledJob is a time-triggered invocation of a named action
type ScheduledJob struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	ScheduleType   ScheduleType           `json:"schedule_type"`
	ScheduleConfig ScheduleConfig         `json:"schedule_config"`
	Action         string                 `json:"action"`
	ActionArgs     map[string]interface{} `json:"action_args,omitempty"`
	Status         JobStatus              `json:"status"`
	Enabled        bool                   `json:"enabled"`
	MaxRetries     int                    `json:"max_retries"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	RunCount            int `json:"run_count"`
	ErrorCount          int `json:"error_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	CreatedAt time.Time  `json:"created_at"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Clone returns a deep enough copy for read-only use outside the scheduler
func (j *ScheduledJob) Clone() ScheduledJob {
	c := *j
	c.NextRun = copyTime(j.NextRun)
	c.LastRun = copyTime(j.LastRun)
	if j.ActionArgs != nil {
		c.ActionArgs = make(map[string]interface{}, len(j.ActionArgs))
		for k, v := range j.ActionArgs {
			c.ActionArgs[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
