// Package orchestrator runs crawl tasks: it queues them by priority, holds
// them until their dependencies complete, dispatches them to typed handlers
// on a pool of workers and retries failures with a configurable backoff.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/ring"
	"github.com/t77yq/crawl-control/internal/storage"
)

const (
	eventSource = "orchestrator"

	defaultWorkers      = 5
	defaultPollTimeout  = time.Second
	defaultMaxRetries   = 3
	defaultErrorLogSize = 10000

	// importance above which a detected change is sent for analysis
	analysisImportanceThreshold = 0.5
)

// TaskHandler executes tasks of one type
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// TaskCallback is invoked after a task of the registered type completes
type TaskCallback func(ctx context.Context, task model.TaskSnapshot) error

// EventBus is the subset of the event bus the orchestrator uses
type EventBus interface {
	Publish(ctx context.Context, eventType model.EventType, source string, data, metadata map[string]interface{}) (string, error)
	SubscribeFunc(fn eventbus.HandlerFunc, opts ...eventbus.SubscribeOption) string
	Unsubscribe(id string) bool
}

// Recorder receives orchestrator metrics
type Recorder interface {
	TaskCreated(taskType string)
	TaskCompleted(taskType string, duration time.Duration)
	TaskFailed(taskType string)
	TaskRetried(taskType string)
	QueueDepth(priority string, depth int)
	RunningTasks(n int)
}

// Config holds orchestrator settings
type Config struct {
	Workers      int           `mapstructure:"workers"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"` // 0 means 3, negative disables retries
	ErrorLogSize int           `mapstructure:"error_log_size"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
}

// Option configures optional collaborators
type Option func(*Orchestrator)

// WithEventBus publishes lifecycle events to bus and listens for change events on it
func WithEventBus(bus EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithChangeDetector subscribes to change notifications while running
func WithChangeDetector(detector capability.ChangeDetector) Option {
	return func(o *Orchestrator) { o.detector = detector }
}

// WithHistory records every attempt in history
func WithHistory(history storage.HistoryStorage) Option {
	return func(o *Orchestrator) { o.history = history }
}

// WithRecorder reports metrics to r
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRetryStrategy overrides the backoff between attempts
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *Orchestrator) { o.backoff = s }
}

// ErrorRecord is one entry of the recent error log
type ErrorRecord struct {
	TaskID     string         `json:"task_id"`
	TaskType   model.TaskType `json:"task_type"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Statistics is a snapshot of orchestrator counters
type Statistics struct {
	TasksCreated          int64         `json:"tasks_created"`
	TasksCompleted        int64         `json:"tasks_completed"`
	TasksFailed           int64         `json:"tasks_failed"`
	TasksCancelled        int64         `json:"tasks_cancelled"`
	AttemptsFailed        int64         `json:"attempts_failed"`
	ScrapesPerformed      int64         `json:"scrapes_performed"`
	ChangesDetected       int64         `json:"changes_detected"`
	ActiveMonitors        int64         `json:"active_monitors"`
	QueueSize             int           `json:"queue_size"`
	RunningTasks          int           `json:"running_tasks"`
	WaitingOnDependencies int           `json:"waiting_on_dependencies"`
	ErrorCount            int           `json:"error_count"`
	// RecentErrors holds the newest few records, oldest first; page the
	// rest through Errors
	RecentErrors []ErrorRecord `json:"recent_errors"`
}

// statsErrorLimit bounds the error records embedded in Statistics
const statsErrorLimit = 10

type counters struct {
	created, completed, failed, cancelled int64
	attemptsFailed                        int64
	scrapes, changes, monitors            int64
}

// Orchestrator owns the task registry and the worker pool
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	queue   *TaskQueue
	deps    *DependencyManager
	backoff RetryStrategy
	errs    *ring.Buffer[ErrorRecord]

	bus      EventBus
	detector capability.ChangeDetector
	history  storage.HistoryStorage
	recorder Recorder

	mu      sync.RWMutex
	tasks   map[string]*model.Task
	running map[string]context.CancelFunc
	stats   counters

	hmu       sync.RWMutex
	handlers  map[model.TaskType]TaskHandler
	callbacks map[model.TaskType][]TaskCallback

	lifecycle      sync.Mutex
	cancel         context.CancelFunc
	wg             *conc.WaitGroup
	busSubID       string
	stopChangeFeed func()
}

// New creates an orchestrator. Call Start to launch the workers.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = defaultErrorLogSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		queue:     NewTaskQueue(),
		errs:      ring.New[ErrorRecord](cfg.ErrorLogSize),
		tasks:     make(map[string]*model.Task),
		running:   make(map[string]context.CancelFunc),
		handlers:  make(map[model.TaskType]TaskHandler),
		callbacks: make(map[model.TaskType][]TaskCallback),
	}
	o.deps = NewDependencyManager(o.logger)

	backoff, err := cfg.Backoff.Build()
	if err != nil {
		o.logger.Warn("Falling back to default backoff", zap.Error(err))
		backoff = DefaultBackoff()
	}
	o.backoff = backoff

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterHandler sets the handler for a task type
func (o *Orchestrator) RegisterHandler(taskType model.TaskType, handler TaskHandler) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.handlers[taskType] = handler
}

// RegisterCallback adds a callback fired after each successful task of taskType
func (o *Orchestrator) RegisterCallback(taskType model.TaskType, cb TaskCallback) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.callbacks[taskType] = append(o.callbacks[taskType], cb)
}

// TaskOption configures CreateTask
type TaskOption func(*model.Task)

// WithPriority sets the task priority (default Medium)
func WithPriority(p model.TaskPriority) TaskOption {
	return func(t *model.Task) { t.Priority = p }
}

// WithDependencies makes the task wait for the given task ids to complete
func WithDependencies(ids ...string) TaskOption {
	return func(t *model.Task) { t.Dependencies = append(t.Dependencies, ids...) }
}

// WithMetadata attaches free-form metadata
func WithMetadata(md map[string]interface{}) TaskOption {
	return func(t *model.Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]interface{}, len(md))
		}
		for k, v := range md {
			t.Metadata[k] = v
		}
	}
}

// CreateTask registers a new task and queues it once its dependencies have
// completed. Every dependency must name an existing task.
func (o *Orchestrator) CreateTask(ctx context.Context, taskType model.TaskType, config map[string]interface{}, opts ...TaskOption) (string, error) {
	if !taskType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskType, taskType)
	}

	task := &model.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Priority:   model.TaskPriorityMedium,
		Config:     config,
		Status:     model.TaskStatusPending,
		MaxRetries: o.cfg.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if task.Config == nil {
		task.Config = map[string]interface{}{}
	}
	for _, opt := range opts {
		opt(task)
	}
	if !task.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}

	o.mu.Lock()
	var unmet []string
	for _, depID := range task.Dependencies {
		dep, ok := o.tasks[depID]
		if !ok {
			o.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
		}
		switch dep.Status {
		case model.TaskStatusCompleted:
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			o.mu.Unlock()
			return "", fmt.Errorf("%w: %s is %s", ErrDependencyFailed, depID, dep.Status)
		default:
			unmet = append(unmet, depID)
		}
	}

	o.tasks[task.ID] = task
	o.stats.created++
	if len(unmet) > 0 {
		o.deps.Park(task, unmet)
	} else if err := o.queue.Put(task); err != nil {
		delete(o.tasks, task.ID)
		o.stats.created--
		o.mu.Unlock()
		return "", err
	}
	o.mu.Unlock()

	o.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Stringer("priority", task.Priority),
		zap.Int("unmet_dependencies", len(unmet)))

	if o.recorder != nil {
		o.recorder.TaskCreated(string(task.Type))
	}
	o.reportQueueDepth()
	o.publish(ctx, model.EventTaskCreated, map[string]interface{}{
		"task_id":      task.ID,
		"task_type":    string(task.Type),
		"priority":     task.Priority.String(),
		"dependencies": task.Dependencies,
	})
	return task.ID, nil
}

// GetTaskStatus returns a snapshot of the task
func (o *Orchestrator) GetTaskStatus(taskID string) (model.TaskSnapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return model.TaskSnapshot{}, ErrTaskNotFound
	}
	return task.Snapshot(), nil
}

// TaskFilters narrows ListTasks. Zero values match everything.
type TaskFilters struct {
	Status   model.TaskStatus
	Type     model.TaskType
	Priority model.TaskPriority
	Limit    int
}

// ListTasks returns matching tasks, oldest first
func (o *Orchestrator) ListTasks(filters TaskFilters) []model.TaskSnapshot {
	o.mu.RLock()
	var out []model.TaskSnapshot
	for _, task := range o.tasks {
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if filters.Type != "" && task.Type != filters.Type {
			continue
		}
		if filters.Priority != 0 && task.Priority != filters.Priority {
			continue
		}
		out = append(out, task.Snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

// CancelTask cancels a task that has not finished. A running task is
// interrupted through its context; its handler decides how fast it stops.
// Tasks waiting on the cancelled one are cancelled too.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskFinished, task.Status)
	}
	if cancel, running := o.running[taskID]; running {
		o.mu.Unlock()
		cancel()
		o.logger.Info("Cancelling running task", zap.String("task_id", taskID))
		return nil
	}

	o.queue.Remove(taskID)
	o.deps.Remove(taskID)
	o.markCancelledLocked(task, "cancelled by request")
	abandoned := o.abandonDependentsLocked(taskID)
	o.mu.Unlock()

	o.logger.Info("Task cancelled", zap.String("task_id", taskID), zap.Int("dependents_cancelled", len(abandoned)))
	o.reportQueueDepth()
	o.publishCancelled(ctx, append([]model.TaskSnapshot{task.Snapshot()}, abandoned...))
	return nil
}

// AddScrapingJob queues a scrape of url
func (o *Orchestrator) AddScrapingJob(ctx context.Context, url, prompt string, priority model.TaskPriority) (string, error) {
	return o.CreateTask(ctx, model.TaskTypeScrape, map[string]interface{}{
		"url":    url,
		"prompt": prompt,
	}, WithPriority(priority))
}

// AddMonitoringJob queues registration of url with the change detector
func (o *Orchestrator) AddMonitoringJob(ctx context.Context, url string, keywords []string, interval time.Duration, priority model.TaskPriority) (string, error) {
	return o.CreateTask(ctx, model.TaskTypeMonitor, map[string]interface{}{
		"url":            url,
		"keywords":       keywords,
		"check_interval": interval.String(),
	}, WithPriority(priority))
}

// HandleChange turns a detected change into follow-up tasks: an Evaluate
// task when both versions of the content are known, and an Analyze task
// when the change is important enough.
func (o *Orchestrator) HandleChange(ctx context.Context, change capability.ChangeEvent) ([]string, error) {
	o.mu.Lock()
	o.stats.changes++
	o.mu.Unlock()

	o.logger.Info("Change detected",
		zap.String("url", change.URL),
		zap.String("monitoring_id", change.MonitoringID),
		zap.Float64("importance", change.ImportanceScore))

	var ids []string
	if change.HasContent() {
		id, err := o.CreateTask(ctx, model.TaskTypeEvaluate, map[string]interface{}{
			"before_content": change.BeforeContent,
			"after_content":  change.AfterContent,
			"metadata":       change.Metadata,
		}, WithPriority(model.TaskPriorityHigh), WithMetadata(map[string]interface{}{
			"url":           change.URL,
			"monitoring_id": change.MonitoringID,
		}))
		if err != nil {
			return ids, fmt.Errorf("create evaluate task: %w", err)
		}
		ids = append(ids, id)
	}

	if change.ImportanceScore > analysisImportanceThreshold {
		content := change.AfterContent
		if content == "" {
			content = change.Summary
		}
		id, err := o.CreateTask(ctx, model.TaskTypeAnalyze, map[string]interface{}{
			"content":     content,
			"prompt_type": "news_analysis",
		}, WithPriority(model.TaskPriorityMedium), WithMetadata(map[string]interface{}{
			"url":           change.URL,
			"monitoring_id": change.MonitoringID,
		}))
		if err != nil {
			return ids, fmt.Errorf("create analyze task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Statistics returns a snapshot of the orchestrator counters
func (o *Orchestrator) Statistics() Statistics {
	o.mu.RLock()
	s := Statistics{
		TasksCreated:     o.stats.created,
		TasksCompleted:   o.stats.completed,
		TasksFailed:      o.stats.failed,
		TasksCancelled:   o.stats.cancelled,
		AttemptsFailed:   o.stats.attemptsFailed,
		ScrapesPerformed: o.stats.scrapes,
		ChangesDetected:  o.stats.changes,
		ActiveMonitors:   o.stats.monitors,
		RunningTasks:     len(o.running),
	}
	o.mu.RUnlock()

	s.QueueSize = o.queue.Len()
	s.WaitingOnDependencies = o.deps.Waiting()
	s.ErrorCount = o.errs.Len()
	s.RecentErrors = o.RecentErrors(statsErrorLimit)
	return s
}

// RecentErrors returns up to n of the newest error records
func (o *Orchestrator) RecentErrors(n int) []ErrorRecord {
	return o.errs.Last(n, nil)
}

// Errors pages through the error log newest first and reports how many
// records it holds
func (o *Orchestrator) Errors(offset, limit int) ([]ErrorRecord, int) {
	return o.errs.Page(offset, limit)
}

// Start launches the worker pool and change subscriptions
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg = conc.NewWaitGroup()

	if o.bus != nil {
		o.busSubID = o.bus.SubscribeFunc(o.onChangeEvent,
			eventbus.WithTypes(model.EventChangeDetected),
			eventbus.WithName("orchestrator-changes"))
	}
	if o.detector != nil {
		stop, err := o.detector.SubscribeToChanges(o.onDetectorChange)
		if err != nil {
			o.logger.Error("Failed to subscribe to change detector", zap.Error(err))
		} else {
			o.stopChangeFeed = stop
		}
	}

	for i := 0; i < o.cfg.Workers; i++ {
		workerID := i
		o.wg.Go(func() { o.worker(runCtx, workerID) })
	}

	o.logger.Info("Orchestrator started", zap.Int("workers", o.cfg.Workers))
	return nil
}

// Stop cancels the workers and pending retries and waits for them to exit
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.cancel == nil {
		return
	}
	if o.bus != nil && o.busSubID != "" {
		o.bus.Unsubscribe(o.busSubID)
		o.busSubID = ""
	}
	if o.stopChangeFeed != nil {
		o.stopChangeFeed()
		o.stopChangeFeed = nil
	}

	o.cancel()
	if r := o.wg.WaitAndRecover(); r != nil {
		o.logger.Error("Worker panicked", zap.String("panic", r.String()))
	}
	o.cancel = nil
	o.logger.Info("Orchestrator stopped")
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	logger := o.logger.With(zap.Int("worker", id))
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for {
		task, err := o.queue.Dequeue(ctx, o.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			return
		}
		o.process(ctx, task)
	}
}

func (o *Orchestrator) process(ctx context.Context, task *model.Task) {
	o.mu.Lock()
	if task.Status != model.TaskStatusPending {
		// cancelled while queued
		o.mu.Unlock()
		return
	}
	if unmet := o.unmetDependenciesLocked(task); len(unmet) > 0 {
		o.deps.Park(task, unmet)
		o.mu.Unlock()
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now().UTC()
	task.Status = model.TaskStatusRunning
	task.StartedAt = &now
	task.Error = ""
	o.running[task.ID] = cancel
	attempt := task.RetryCount + 1
	runningCount := len(o.running)
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RunningTasks(runningCount)
	}
	o.reportQueueDepth()

	logger := o.logger.With(zap.String("task_id", task.ID), zap.String("type", string(task.Type)), zap.Int("attempt", attempt))
	logger.Info("Task started")
	o.publishStarted(ctx, task)

	record := o.storeAttempt(ctx, task, attempt, now)

	result, err := o.execute(taskCtx, task)
	duration := time.Since(now)

	switch {
	case err == nil:
		o.complete(ctx, task, result, duration)
		logger.Info("Task completed", zap.Duration("duration", duration))
	case taskCtx.Err() != nil:
		o.interrupt(ctx, task, err)
		logger.Info("Task interrupted", zap.Error(err))
	default:
		o.fail(ctx, task, err)
		logger.Warn("Task attempt failed", zap.Error(err))
	}

	o.updateAttempt(ctx, record, task, duration)

	o.mu.Lock()
	delete(o.running, task.ID)
	runningCount = len(o.running)
	o.mu.Unlock()
	if o.recorder != nil {
		o.recorder.RunningTasks(runningCount)
	}
}

func (o *Orchestrator) execute(ctx context.Context, task *model.Task) (result *model.TaskResult, err error) {
	o.hmu.RLock()
	handler, ok := o.handlers[task.Type]
	o.hmu.RUnlock()
	if !ok {
		return nil, model.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, task.Type))
	}

	if r := panics.Try(func() { result, err = handler.Execute(ctx, task) }); r != nil {
		return nil, fmt.Errorf("handler panic: %w", r.AsError())
	}
	if err == nil && result == nil {
		result = &model.TaskResult{TaskID: task.ID}
	}
	return result, err
}

func (o *Orchestrator) complete(ctx context.Context, task *model.Task, result *model.TaskResult, duration time.Duration) {
	o.mu.Lock()
	now := time.Now().UTC()
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result.Output
	o.stats.completed++
	switch task.Type {
	case model.TaskTypeScrape:
		o.stats.scrapes++
	case model.TaskTypeMonitor:
		o.stats.monitors++
	}
	for _, ready := range o.deps.Resolve(task.ID) {
		if ready.Status != model.TaskStatusPending {
			continue
		}
		if err := o.queue.Put(ready); err != nil {
			o.logger.Error("Failed to queue dependent task", zap.String("task_id", ready.ID), zap.Error(err))
		}
	}
	snapshot := task.Snapshot()
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.TaskCompleted(string(task.Type), duration)
	}
	o.reportQueueDepth()

	for _, spec := range result.FollowUps {
		opts := []TaskOption{WithPriority(spec.Priority), WithMetadata(spec.Metadata), WithMetadata(map[string]interface{}{"parent_task_id": task.ID})}
		if len(spec.Dependencies) > 0 {
			opts = append(opts, WithDependencies(spec.Dependencies...))
		}
		if _, err := o.CreateTask(ctx, spec.Type, spec.Config, opts...); err != nil {
			o.logger.Error("Failed to create follow-up task",
				zap.String("parent_task_id", task.ID),
				zap.String("type", string(spec.Type)),
				zap.Error(err))
		}
	}

	o.runCallbacks(ctx, snapshot)
	o.publishCompleted(ctx, task, snapshot)
}

func (o *Orchestrator) fail(ctx context.Context, task *model.Task, err error) {
	o.errs.Push(ErrorRecord{
		TaskID:     task.ID,
		TaskType:   task.Type,
		RetryCount: task.RetryCount,
		Error:      err.Error(),
		Timestamp:  time.Now().UTC(),
	})

	o.mu.Lock()
	o.stats.attemptsFailed++
	task.Error = err.Error()

	retry := !model.IsPermanent(err) && task.RetryCount < task.MaxRetries
	var delay time.Duration
	var abandoned []model.TaskSnapshot
	if retry {
		task.RetryCount++
		task.Status = model.TaskStatusRetrying
		delay = o.backoff.NextRetry(task.RetryCount)
	} else {
		now := time.Now().UTC()
		task.Status = model.TaskStatusFailed
		task.CompletedAt = &now
		o.stats.failed++
		abandoned = o.abandonDependentsLocked(task.ID)
	}
	retryCount := task.RetryCount
	o.mu.Unlock()

	o.publish(ctx, model.EventTaskFailed, map[string]interface{}{
		"task_id":     task.ID,
		"task_type":   string(task.Type),
		"error":       err.Error(),
		"retry_count": retryCount,
		"will_retry":  retry,
	})
	if task.Type == model.TaskTypeScrape {
		o.publish(ctx, model.EventScrapeFailed, map[string]interface{}{
			"task_id": task.ID,
			"url":     task.Config["url"],
			"error":   err.Error(),
		})
	}

	if !retry {
		if o.recorder != nil {
			o.recorder.TaskFailed(string(task.Type))
		}
		o.logger.Error("Task failed permanently",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", retryCount),
			zap.Int("dependents_cancelled", len(abandoned)),
			zap.Error(err))
		o.publishCancelled(ctx, abandoned)
		return
	}

	if o.recorder != nil {
		o.recorder.TaskRetried(string(task.Type))
	}
	o.logger.Info("Task scheduled for retry",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay))
	o.scheduleRetry(ctx, task, delay)
}

// scheduleRetry moves a Retrying task back to Pending after delay without
// holding a worker
func (o *Orchestrator) scheduleRetry(ctx context.Context, task *model.Task, delay time.Duration) {
	o.wg.Go(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if task.Status != model.TaskStatusRetrying {
			return
		}
		task.Status = model.TaskStatusPending
		if err := o.queue.Put(task); err != nil {
			o.logger.Error("Failed to requeue task", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
}

func (o *Orchestrator) interrupt(ctx context.Context, task *model.Task, err error) {
	o.mu.Lock()
	reason := "cancelled by request"
	if ctx.Err() != nil {
		reason = "orchestrator stopped"
	}
	task.Error = err.Error()
	o.markCancelledLocked(task, reason)
	abandoned := o.abandonDependentsLocked(task.ID)
	snapshot := task.Snapshot()
	o.mu.Unlock()

	o.publishCancelled(context.WithoutCancel(ctx), append([]model.TaskSnapshot{snapshot}, abandoned...))
}

func (o *Orchestrator) markCancelledLocked(task *model.Task, reason string) {
	now := time.Now().UTC()
	task.Status = model.TaskStatusCancelled
	task.CompletedAt = &now
	if task.Error == "" {
		task.Error = reason
	}
	o.stats.cancelled++
}

// abandonDependentsLocked cancels every task still waiting on taskID
func (o *Orchestrator) abandonDependentsLocked(taskID string) []model.TaskSnapshot {
	var out []model.TaskSnapshot
	for _, dep := range o.deps.Abandon(taskID) {
		dep.Error = fmt.Sprintf("dependency %s did not complete", taskID)
		o.markCancelledLocked(dep, dep.Error)
		out = append(out, dep.Snapshot())
	}
	return out
}

func (o *Orchestrator) unmetDependenciesLocked(task *model.Task) []string {
	var unmet []string
	for _, depID := range task.Dependencies {
		if dep, ok := o.tasks[depID]; !ok || dep.Status != model.TaskStatusCompleted {
			unmet = append(unmet, depID)
		}
	}
	return unmet
}

func (o *Orchestrator) runCallbacks(ctx context.Context, snapshot model.TaskSnapshot) {
	o.hmu.RLock()
	callbacks := append([]TaskCallback(nil), o.callbacks[snapshot.Type]...)
	o.hmu.RUnlock()

	for _, cb := range callbacks {
		var err error
		if r := panics.Try(func() { err = cb(ctx, snapshot) }); r != nil {
			err = r.AsError()
		}
		if err != nil {
			o.logger.Error("Task callback failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) onChangeEvent(ctx context.Context, event model.Event) error {
	change, err := capability.ChangeEventFromData(event.Data)
	if err != nil {
		return err
	}
	_, err = o.HandleChange(ctx, change)
	return err
}

// onDetectorChange routes detector notifications through the bus when one
// is configured so other subscribers see them too
func (o *Orchestrator) onDetectorChange(ctx context.Context, change capability.ChangeEvent) {
	if o.bus != nil {
		_, err := o.bus.Publish(ctx, model.EventChangeDetected, "change-detector", change.EventData(), nil)
		if err == nil {
			return
		}
		o.logger.Warn("Failed to publish change event, handling inline", zap.Error(err))
	}
	if _, err := o.HandleChange(ctx, change); err != nil {
		o.logger.Error("Failed to handle change", zap.String("url", change.URL), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType model.EventType, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if _, err := o.bus.Publish(ctx, eventType, eventSource, data, nil); err != nil {
		o.logger.Warn("Failed to publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func (o *Orchestrator) publishStarted(ctx context.Context, task *model.Task) {
	o.publish(ctx, model.EventTaskStarted, map[string]interface{}{
		"task_id":   task.ID,
		"task_type": string(task.Type),
	})
	switch task.Type {
	case model.TaskTypeScrape:
		o.publish(ctx, model.EventScrapeStarted, map[string]interface{}{"task_id": task.ID, "url": task.Config["url"]})
	case model.TaskTypeAnalyze:
		o.publish(ctx, model.EventAnalysisStarted, map[string]interface{}{"task_id": task.ID})
	}
}

func (o *Orchestrator) publishCompleted(ctx context.Context, task *model.Task, snapshot model.TaskSnapshot) {
	o.publish(ctx, model.EventTaskCompleted, map[string]interface{}{
		"task_id":   task.ID,
		"task_type": string(task.Type),
	})
	switch task.Type {
	case model.TaskTypeScrape:
		o.publish(ctx, model.EventScrapeCompleted, map[string]interface{}{"task_id": task.ID, "url": task.Config["url"]})
	case model.TaskTypeAnalyze:
		o.publish(ctx, model.EventAnalysisCompleted, map[string]interface{}{"task_id": task.ID, "result": snapshot.Result})
	case model.TaskTypeMonitor:
		o.publish(ctx, model.EventMonitorStarted, map[string]interface{}{"task_id": task.ID, "url": task.Config["url"], "result": snapshot.Result})
	}
}

func (o *Orchestrator) publishCancelled(ctx context.Context, snapshots []model.TaskSnapshot) {
	for _, s := range snapshots {
		o.publish(ctx, model.EventTaskCancelled, map[string]interface{}{
			"task_id":   s.ID,
			"task_type": string(s.Type),
			"reason":    s.Error,
		})
	}
}

func (o *Orchestrator) reportQueueDepth() {
	if o.recorder == nil {
		return
	}
	for p, n := range o.queue.LenByPriority() {
		o.recorder.QueueDepth(p.String(), n)
	}
}

func (o *Orchestrator) storeAttempt(ctx context.Context, task *model.Task, attempt int, started time.Time) *storage.ExecutionRecord {
	if o.history == nil {
		return nil
	}
	payload, _ := json.Marshal(task.Config)
	record := &storage.ExecutionRecord{
		ID:        uuid.New().String(),
		Kind:      storage.KindTask,
		RefID:     task.ID,
		Name:      string(task.Type),
		Status:    string(model.TaskStatusRunning),
		Attempt:   attempt,
		Payload:   payload,
		StartedAt: started,
	}
	if err := o.history.Store(ctx, record); err != nil {
		o.logger.Error("Failed to store task history", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	return record
}

func (o *Orchestrator) updateAttempt(ctx context.Context, record *storage.ExecutionRecord, task *model.Task, duration time.Duration) {
	if record == nil {
		return
	}
	o.mu.RLock()
	status := task.Status
	errMsg := task.Error
	output := task.Result
	o.mu.RUnlock()

	// a retrying task failed this attempt
	if status == model.TaskStatusRetrying {
		status = model.TaskStatusFailed
	}
	completed := time.Now().UTC()
	record.Status = string(status)
	record.Error = errMsg
	record.CompletedAt = &completed
	record.Duration = duration
	if status == model.TaskStatusCompleted && output != nil {
		if data, err := json.Marshal(output); err == nil {
			record.Result = data
		}
	}
	if err := o.history.Update(context.WithoutCancel(ctx), record); err != nil {
		o.logger.Error("Failed to update task history", zap.String("task_id", task.ID), zap.Error(err))
	}
}
