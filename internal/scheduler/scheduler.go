// Package scheduler fires named actions on time-based schedules: once, fixed
// intervals, cron expressions, and daily, weekly or monthly wall-clock times.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/storage"
)

const (
	defaultTickInterval   = time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
)

// JobAction is the work behind a scheduled job, registered under a name
type JobAction interface {
	Run(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// JobActionFunc adapts a function to JobAction
type JobActionFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (f JobActionFunc) Run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// JobCallback is invoked after every run with the job state after the run
type JobCallback func(ctx context.Context, job model.ScheduledJob, result interface{}, err error)

// Recorder receives scheduler metrics
type Recorder interface {
	JobExecuted(action string, success bool, duration time.Duration)
	ScheduledJobs(n int)
}

// Config holds scheduler settings
type Config struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxRetries is the default number of consecutive failures retried
	// before a job is disabled; 0 means 3, negative disables retries
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
	// Timezone used for daily, weekly and monthly schedules
	Timezone string       `mapstructure:"timezone"`
	Jobs     []JobRequest `mapstructure:"jobs"`
}

// Option configures optional collaborators
type Option func(*TaskScheduler)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *TaskScheduler) { s.now = now }
}

// WithHistory records every run in history
func WithHistory(h storage.HistoryStorage) Option {
	return func(s *TaskScheduler) { s.history = h }
}

// WithRecorder reports metrics to r
func WithRecorder(r Recorder) Option {
	return func(s *TaskScheduler) { s.recorder = r }
}

// JobOption customises a job when it is scheduled
type JobOption func(*model.ScheduledJob, *jobSettings)

type jobSettings struct {
	startImmediately bool
}

// WithArgs sets the arguments passed to the action
func WithArgs(args map[string]interface{}) JobOption {
	return func(j *model.ScheduledJob, _ *jobSettings) { j.ActionArgs = args }
}

func WithMetadata(md map[string]interface{}) JobOption {
	return func(j *model.ScheduledJob, _ *jobSettings) { j.Metadata = md }
}

// WithMaxRetries overrides the consecutive failure budget of the job
func WithMaxRetries(n int) JobOption {
	return func(j *model.ScheduledJob, _ *jobSettings) { j.MaxRetries = n }
}

// StartImmediately makes the first run due right away
func StartImmediately() JobOption {
	return func(_ *model.ScheduledJob, s *jobSettings) { s.startImmediately = true }
}

// JobFilters narrows ListJobs
type JobFilters struct {
	Status model.JobStatus
	Action string
}

// Statistics is a snapshot of scheduler state
type Statistics struct {
	TotalJobs   int                     `json:"total_jobs"`
	ByStatus    map[model.JobStatus]int `json:"by_status"`
	RunningJobs int                     `json:"running_jobs"`
	TotalRuns   int                     `json:"total_runs"`
	TotalErrors int                     `json:"total_errors"`
	Running     bool                    `json:"running"`
}

// TaskScheduler owns the scheduled jobs and fires them from a ticking loop
type TaskScheduler struct {
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	history  storage.HistoryStorage
	recorder Recorder

	mu        sync.Mutex
	jobs      map[string]*model.ScheduledJob
	running   map[string]context.CancelFunc
	actions   map[string]JobAction
	callbacks []JobCallback

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
}

// New creates a scheduler. Call Start to begin firing jobs.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*TaskScheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}

	s := &TaskScheduler{
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		now:     func() time.Time { return time.Now().In(loc) },
		jobs:    make(map[string]*model.ScheduledJob),
		running: make(map[string]context.CancelFunc),
		actions: make(map[string]JobAction),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterAction makes an action available to jobs under name
func (s *TaskScheduler) RegisterAction(name string, action JobAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = action
}

// RegisterCallback adds a callback fired after each run
func (s *TaskScheduler) RegisterCallback(cb JobCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Schedule adds a job of any schedule type and returns its id
func (s *TaskScheduler) Schedule(name string, st model.ScheduleType, cfg model.ScheduleConfig, action string, opts ...JobOption) (string, error) {
	now := s.now()
	job := &model.ScheduledJob{
		ID:             uuid.New().String(),
		Name:           name,
		ScheduleType:   st,
		ScheduleConfig: cfg,
		Action:         action,
		Status:         model.JobStatusScheduled,
		Enabled:        true,
		MaxRetries:     s.cfg.MaxRetries,
		CreatedAt:      now,
	}
	var settings jobSettings
	for _, opt := range opts {
		opt(job, &settings)
	}
	if job.ActionArgs == nil {
		job.ActionArgs = map[string]interface{}{}
	}

	next, err := CalculateNextRun(st, cfg, nil, now)
	if err != nil {
		return "", err
	}
	if settings.startImmediately {
		next = &now
	}
	job.NextRun = next

	s.mu.Lock()
	if _, ok := s.actions[action]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	s.jobs[job.ID] = job
	total := len(s.jobs)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.ScheduledJobs(total)
	}
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("name", name),
		zap.String("type", string(st)),
		zap.String("action", action),
	}
	if next != nil {
		fields = append(fields, zap.Time("next_run", *next))
	}
	s.logger.Info("Job scheduled", fields...)
	return job.ID, nil
}

func (s *TaskScheduler) ScheduleOnce(name, action string, runAt time.Time, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleOnce, model.ScheduleConfig{RunAt: runAt}, action, opts...)
}

func (s *TaskScheduler) ScheduleInterval(name, action string, interval time.Duration, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleInterval, model.ScheduleConfig{Interval: interval}, action, opts...)
}

func (s *TaskScheduler) ScheduleCron(name, action, expr string, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleCron, model.ScheduleConfig{Cron: expr}, action, opts...)
}

func (s *TaskScheduler) ScheduleDaily(name, action string, hour, minute int, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleDaily, model.ScheduleConfig{Hour: hour, Minute: minute}, action, opts...)
}

func (s *TaskScheduler) ScheduleWeekly(name, action string, weekday time.Weekday, hour, minute int, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleWeekly, model.ScheduleConfig{Weekday: weekday, Hour: hour, Minute: minute}, action, opts...)
}

func (s *TaskScheduler) ScheduleMonthly(name, action string, day, hour, minute int, opts ...JobOption) (string, error) {
	return s.Schedule(name, model.ScheduleMonthly, model.ScheduleConfig{Day: day, Hour: hour, Minute: minute}, action, opts...)
}

// CancelJob disables a job for good and interrupts a run in progress
func (s *TaskScheduler) CancelJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	job.Status = model.JobStatusCancelled
	job.Enabled = false
	job.NextRun = nil
	if cancel := s.running[id]; cancel != nil {
		cancel()
	}
	s.logger.Info("Job cancelled", zap.String("job_id", id), zap.String("name", job.Name))
	return true
}

// PauseJob stops a job from firing until ResumeJob. A run in progress
// completes.
func (s *TaskScheduler) PauseJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status == model.JobStatusCancelled {
		return false
	}
	job.Status = model.JobStatusPaused
	job.Enabled = false
	s.logger.Info("Job paused", zap.String("job_id", id), zap.String("name", job.Name))
	return true
}

// ResumeJob re-enables a paused or failed job and recomputes its next run.
// Failed jobs start with a clean failure streak.
func (s *TaskScheduler) ResumeJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if job.Status != model.JobStatusPaused && job.Status != model.JobStatusFailed {
		return false
	}

	now := s.now()
	var next *time.Time
	if job.ScheduleType == model.ScheduleOnce && job.RunCount == 0 {
		runAt := job.ScheduleConfig.RunAt
		if runAt.Before(now) {
			runAt = now
		}
		next = &runAt
	} else {
		n, err := CalculateNextRun(job.ScheduleType, job.ScheduleConfig, job.LastRun, now)
		if err != nil {
			s.logger.Error("Failed to resume job", zap.String("job_id", id), zap.Error(err))
			return false
		}
		next = n
	}
	if next == nil {
		return false
	}

	job.ConsecutiveFailures = 0
	job.Status = model.JobStatusScheduled
	job.Enabled = true
	job.NextRun = next
	s.logger.Info("Job resumed",
		zap.String("job_id", id),
		zap.String("name", job.Name),
		zap.Time("next_run", *next))
	return true
}

// GetJob returns a copy of the job
func (s *TaskScheduler) GetJob(id string) (model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.ScheduledJob{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns copies of matching jobs ordered by creation time
func (s *TaskScheduler) ListJobs(filters JobFilters) []model.ScheduledJob {
	s.mu.Lock()
	out := make([]model.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filters.Status != "" && job.Status != filters.Status {
			continue
		}
		if filters.Action != "" && job.Action != filters.Action {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *TaskScheduler) Statistics() Statistics {
	s.mu.Lock()
	stats := Statistics{
		TotalJobs:   len(s.jobs),
		ByStatus:    make(map[model.JobStatus]int),
		RunningJobs: len(s.running),
	}
	for _, job := range s.jobs {
		stats.ByStatus[job.Status]++
		stats.TotalRuns += job.RunCount
		stats.TotalErrors += job.ErrorCount
	}
	s.mu.Unlock()

	s.lifecycle.Lock()
	stats.Running = s.cancel != nil
	s.lifecycle.Unlock()
	return stats
}

// Start launches the scheduling loop
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	s.wg.Go(func() { s.loop(ctx) })

	s.logger.Info("Scheduler started", zap.Duration("tick", s.cfg.TickInterval))
	return nil
}

// Stop ends the loop, cancels runs in progress and waits for them
func (s *TaskScheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	if r := s.wg.WaitAndRecover(); r != nil {
		s.logger.Error("Scheduler goroutine panicked", zap.Error(r.AsError()))
	}
	s.cancel = nil
	s.wg = nil
	s.logger.Info("Scheduler stopped")
}

func (s *TaskScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every due job that is not already running
func (s *TaskScheduler) tick(ctx context.Context) {
	now := s.now()

	type due struct {
		job *model.ScheduledJob
		ctx context.Context
	}
	var ready []due

	s.mu.Lock()
	for id, job := range s.jobs {
		if !job.Enabled || job.Status == model.JobStatusPaused || job.Status == model.JobStatusCancelled {
			continue
		}
		if job.NextRun == nil || job.NextRun.After(now) {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.running[id] = cancel
		job.Status = model.JobStatusRunning
		last := now
		job.LastRun = &last
		ready = append(ready, due{job: job, ctx: runCtx})
	}
	s.mu.Unlock()

	for _, d := range ready {
		d := d
		s.wg.Go(func() { s.execute(d.ctx, d.job) })
	}
}

func (s *TaskScheduler) execute(ctx context.Context, job *model.ScheduledJob) {
	s.mu.Lock()
	snapshot := job.Clone()
	action := s.actions[job.Action]
	s.mu.Unlock()

	logger := s.logger.With(
		zap.String("job_id", snapshot.ID),
		zap.String("name", snapshot.Name),
		zap.String("action", snapshot.Action))
	logger.Info("Executing scheduled job")

	started := time.Now()
	var result interface{}
	var err error
	if action == nil {
		err = fmt.Errorf("%w: %q", ErrUnknownAction, snapshot.Action)
	} else if r := panics.Try(func() { result, err = action.Run(ctx, snapshot.ActionArgs) }); r != nil {
		err = fmt.Errorf("job action panic: %w", r.AsError())
	}
	duration := time.Since(started)
	stopped := ctx.Err() != nil

	s.mu.Lock()
	if cancel := s.running[job.ID]; cancel != nil {
		cancel()
	}
	delete(s.running, job.ID)
	s.settle(job, err, stopped, logger)
	after := job.Clone()
	callbacks := append([]JobCallback(nil), s.callbacks...)
	s.mu.Unlock()

	if err != nil {
		logger.Warn("Scheduled job failed",
			zap.Error(err),
			zap.Int("consecutive_failures", after.ConsecutiveFailures),
			zap.String("status", string(after.Status)))
	} else {
		logger.Info("Scheduled job completed", zap.Duration("duration", duration))
	}

	if s.recorder != nil {
		s.recorder.JobExecuted(snapshot.Action, err == nil, duration)
	}
	s.record(context.WithoutCancel(ctx), after, started, duration, result, err)

	cbCtx := context.WithoutCancel(ctx)
	for _, cb := range callbacks {
		cb := cb
		if r := panics.Try(func() { cb(cbCtx, after, result, err) }); r != nil {
			logger.Error("Job callback panicked", zap.Error(r.AsError()))
		}
	}
}

// settle applies the outcome of a run; s.mu must be held. A job paused or
// cancelled while running keeps that status, and a run cut short by Stop is
// not counted as a failure.
func (s *TaskScheduler) settle(job *model.ScheduledJob, runErr error, stopped bool, logger *zap.Logger) {
	interrupted := job.Status == model.JobStatusPaused || job.Status == model.JobStatusCancelled
	now := s.now()

	if runErr == nil {
		job.RunCount++
		job.ConsecutiveFailures = 0
		job.LastError = ""
		if interrupted {
			return
		}
		if job.ScheduleType == model.ScheduleOnce {
			job.Status = model.JobStatusCompleted
			job.Enabled = false
			job.NextRun = nil
			return
		}
		next, err := CalculateNextRun(job.ScheduleType, job.ScheduleConfig, job.LastRun, now)
		if err != nil {
			logger.Error("Failed to compute next run", zap.Error(err))
			job.Status = model.JobStatusFailed
			job.Enabled = false
			job.NextRun = nil
			return
		}
		job.NextRun = next
		job.Status = model.JobStatusScheduled
		return
	}

	job.LastError = runErr.Error()
	if interrupted {
		return
	}
	if stopped {
		job.Status = model.JobStatusScheduled
		return
	}
	job.ErrorCount++
	job.ConsecutiveFailures++
	if job.ConsecutiveFailures <= job.MaxRetries {
		retryAt := now.Add(s.retryDelay(job.ConsecutiveFailures))
		job.NextRun = &retryAt
		job.Status = model.JobStatusScheduled
		logger.Info("Rescheduling failed job", zap.Time("retry_at", retryAt))
		return
	}

	// retries exhausted: the job stays failed until resumed
	job.Status = model.JobStatusFailed
	job.Enabled = false
	job.NextRun = nil
	logger.Error("Scheduled job disabled after repeated failures",
		zap.Int("consecutive_failures", job.ConsecutiveFailures))
}

// retryDelay is RetryBaseDelay * 2^failures, capped at MaxRetryDelay
func (s *TaskScheduler) retryDelay(failures int) time.Duration {
	delay := float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(failures))
	if s.cfg.MaxRetryDelay > 0 && delay > float64(s.cfg.MaxRetryDelay) {
		return s.cfg.MaxRetryDelay
	}
	return time.Duration(delay)
}

func (s *TaskScheduler) record(ctx context.Context, job model.ScheduledJob, started time.Time, duration time.Duration, result interface{}, runErr error) {
	if s.history == nil {
		return
	}
	completed := started.Add(duration)
	rec := &storage.ExecutionRecord{
		ID:          uuid.New().String(),
		Kind:        storage.KindJob,
		RefID:       job.ID,
		Name:        job.Name,
		Status:      "completed",
		Attempt:     job.RunCount + job.ErrorCount,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    duration,
	}
	if payload, err := json.Marshal(job.ActionArgs); err == nil {
		rec.Payload = payload
	}
	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
	} else if result != nil {
		if data, err := json.Marshal(result); err == nil {
			rec.Result = data
		}
	}
	if err := s.history.Store(ctx, rec); err != nil {
		s.logger.Error("Failed to store job history", zap.String("job_id", job.ID), zap.Error(err))
	}
}
