package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/model"
)

type handlerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

func (f handlerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}

func okHandler() handlerFunc {
	return func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{TaskID: task.ID, Output: "ok"}, nil
	}
}

func fastConfig() Config {
	return Config{
		Workers:     1,
		PollTimeout: 20 * time.Millisecond,
		Backoff:     BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2},
	}
}

func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
}

func waitStatus(t *testing.T, o *Orchestrator, id string, status model.TaskStatus) model.TaskSnapshot {
	t.Helper()
	var snap model.TaskSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = o.GetTaskStatus(id)
		return err == nil && snap.Status == status
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return snap
}

type fakeDetector struct {
	mu sync.Mutex
	fn capability.ChangeCallback
}

func (d *fakeDetector) AddMonitoring(context.Context, capability.MonitoringConfig) (string, error) {
	return "mon-1", nil
}

func (d *fakeDetector) SubscribeToChanges(fn capability.ChangeCallback) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.fn = nil
	}, nil
}

func (d *fakeDetector) emit(ctx context.Context, ev capability.ChangeEvent) {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn(ctx, ev)
	}
}

func TestOrchestrator(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("Create Task", func(t *testing.T) {
		o := New(fastConfig(), logger)

		id, err := o.CreateTask(ctx, model.TaskTypeScrape, map[string]interface{}{"url": "https://example.com"})
		require.NoError(t, err)

		snap, err := o.GetTaskStatus(id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, snap.Status)
		assert.Equal(t, model.TaskPriorityMedium, snap.Priority)
		assert.Equal(t, 1, o.Statistics().QueueSize)

		_, err = o.GetTaskStatus("missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("Create Task Validation", func(t *testing.T) {
		o := New(fastConfig(), logger)

		_, err := o.CreateTask(ctx, "bogus", nil)
		assert.ErrorIs(t, err, ErrInvalidTaskType)

		_, err = o.CreateTask(ctx, model.TaskTypeScrape, nil, WithPriority(7))
		assert.ErrorIs(t, err, ErrInvalidPriority)

		_, err = o.CreateTask(ctx, model.TaskTypeScrape, nil, WithDependencies("nope"))
		assert.ErrorIs(t, err, ErrUnknownDependency)
	})

	t.Run("High Priority Runs First", func(t *testing.T) {
		o := New(fastConfig(), logger)

		var mu sync.Mutex
		var order []string
		o.RegisterHandler(model.TaskTypeScrape, handlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, task.Config["name"].(string))
			return &model.TaskResult{}, nil
		}))

		_, err := o.CreateTask(ctx, model.TaskTypeScrape, map[string]interface{}{"name": "medium"}, WithPriority(model.TaskPriorityMedium))
		require.NoError(t, err)
		_, err = o.CreateTask(ctx, model.TaskTypeScrape, map[string]interface{}{"name": "high"}, WithPriority(model.TaskPriorityHigh))
		require.NoError(t, err)

		start(t, o)
		require.Eventually(t, func() bool { return o.Statistics().TasksCompleted == 2 }, 3*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"high", "medium"}, order)
	})

	t.Run("Dependencies Gate Dispatch", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Workers = 3
		o := New(cfg, logger)

		release := make(chan struct{})
		var parentDone atomic.Bool
		var childSawParentDone atomic.Bool
		o.RegisterHandler(model.TaskTypeScrape, handlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			<-release
			parentDone.Store(true)
			return &model.TaskResult{}, nil
		}))
		o.RegisterHandler(model.TaskTypeLearn, handlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			childSawParentDone.Store(parentDone.Load())
			return &model.TaskResult{}, nil
		}))

		parent, err := o.CreateTask(ctx, model.TaskTypeScrape, nil)
		require.NoError(t, err)
		child, err := o.CreateTask(ctx, model.TaskTypeLearn, nil, WithDependencies(parent), WithPriority(model.TaskPriorityCritical))
		require.NoError(t, err)
		assert.Equal(t, 1, o.Statistics().WaitingOnDependencies)

		start(t, o)
		waitStatus(t, o, parent, model.TaskStatusRunning)
		time.Sleep(50 * time.Millisecond)

		snap, err := o.GetTaskStatus(child)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, snap.Status)

		close(release)
		waitStatus(t, o, child, model.TaskStatusCompleted)
		assert.True(t, childSawParentDone.Load())
	})

	t.Run("Completed Dependency Does Not Block", func(t *testing.T) {
		o := New(fastConfig(), logger)
		o.RegisterHandler(model.TaskTypeScrape, okHandler())
		start(t, o)

		parent, err := o.CreateTask(ctx, model.TaskTypeScrape, nil)
		require.NoError(t, err)
		waitStatus(t, o, parent, model.TaskStatusCompleted)

		child, err := o.CreateTask(ctx, model.TaskTypeScrape, nil, WithDependencies(parent))
		require.NoError(t, err)
		waitStatus(t, o, child, model.TaskStatusCompleted)
	})

	t.Run("Retries Stop After Three", func(t *testing.T) {
		o := New(fastConfig(), logger)

		var calls atomic.Int32
		o.RegisterHandler(model.TaskTypeAnalyze, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			calls.Add(1)
			return nil, errors.New("analyzer unavailable")
		}))
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeAnalyze, nil)
		require.NoError(t, err)

		snap := waitStatus(t, o, id, model.TaskStatusFailed)
		assert.Equal(t, 3, snap.RetryCount)
		assert.Equal(t, "analyzer unavailable", snap.Error)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(4), calls.Load())

		stats := o.Statistics()
		assert.Equal(t, int64(1), stats.TasksFailed)
		assert.Equal(t, int64(4), stats.AttemptsFailed)
		assert.Equal(t, 4, stats.ErrorCount)
		assert.Len(t, stats.RecentErrors, 4)
	})

	t.Run("Retry Then Succeed", func(t *testing.T) {
		o := New(fastConfig(), logger)

		var calls atomic.Int32
		o.RegisterHandler(model.TaskTypeScrape, handlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return &model.TaskResult{Output: "done"}, nil
		}))
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeScrape, nil)
		require.NoError(t, err)
		snap := waitStatus(t, o, id, model.TaskStatusCompleted)
		assert.Equal(t, 1, snap.RetryCount)
		assert.Equal(t, "done", snap.Result)
		assert.Equal(t, int64(1), o.Statistics().ScrapesPerformed)
	})

	t.Run("Permanent Errors Are Not Retried", func(t *testing.T) {
		o := New(fastConfig(), logger)

		var calls atomic.Int32
		o.RegisterHandler(model.TaskTypeReport, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			calls.Add(1)
			return nil, model.Permanent(errors.New("unknown report"))
		}))
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeReport, nil)
		require.NoError(t, err)
		snap := waitStatus(t, o, id, model.TaskStatusFailed)
		assert.Equal(t, 0, snap.RetryCount)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Missing Handler Fails Immediately", func(t *testing.T) {
		o := New(fastConfig(), logger)
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeEvaluate, nil)
		require.NoError(t, err)
		snap := waitStatus(t, o, id, model.TaskStatusFailed)
		assert.Contains(t, snap.Error, ErrNoHandler.Error())
	})

	t.Run("Handler Panic Is A Failure", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = -1
		o := New(cfg, logger)
		o.RegisterHandler(model.TaskTypeLearn, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			panic("learner exploded")
		}))
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeLearn, nil)
		require.NoError(t, err)
		snap := waitStatus(t, o, id, model.TaskStatusFailed)
		assert.Contains(t, snap.Error, "learner exploded")
	})

	t.Run("Failed Dependency Cancels Dependents", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = -1
		o := New(cfg, logger)
		o.RegisterHandler(model.TaskTypeScrape, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			return nil, errors.New("blocked")
		}))
		o.RegisterHandler(model.TaskTypeLearn, okHandler())

		parent, err := o.CreateTask(ctx, model.TaskTypeScrape, nil)
		require.NoError(t, err)
		child, err := o.CreateTask(ctx, model.TaskTypeLearn, nil, WithDependencies(parent))
		require.NoError(t, err)
		grandchild, err := o.CreateTask(ctx, model.TaskTypeLearn, nil, WithDependencies(child))
		require.NoError(t, err)

		start(t, o)
		waitStatus(t, o, parent, model.TaskStatusFailed)
		waitStatus(t, o, child, model.TaskStatusCancelled)
		waitStatus(t, o, grandchild, model.TaskStatusCancelled)

		_, err = o.CreateTask(ctx, model.TaskTypeLearn, nil, WithDependencies(parent))
		assert.ErrorIs(t, err, ErrDependencyFailed)
	})

	t.Run("Cancel Pending And Running", func(t *testing.T) {
		o := New(fastConfig(), logger)
		o.RegisterHandler(model.TaskTypeMonitor, handlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		queued, err := o.CreateTask(ctx, model.TaskTypeMonitor, nil, WithPriority(model.TaskPriorityLow))
		require.NoError(t, err)
		require.NoError(t, o.CancelTask(ctx, queued))
		snap, err := o.GetTaskStatus(queued)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, snap.Status)
		assert.ErrorIs(t, o.CancelTask(ctx, queued), ErrTaskFinished)

		running, err := o.CreateTask(ctx, model.TaskTypeMonitor, nil)
		require.NoError(t, err)
		start(t, o)
		waitStatus(t, o, running, model.TaskStatusRunning)
		require.NoError(t, o.CancelTask(ctx, running))
		waitStatus(t, o, running, model.TaskStatusCancelled)
		assert.Equal(t, int64(2), o.Statistics().TasksCancelled)
	})

	t.Run("Follow Ups And Callbacks", func(t *testing.T) {
		o := New(fastConfig(), logger)
		o.RegisterHandler(model.TaskTypeScrape, handlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			return &model.TaskResult{
				Output: "scraped",
				FollowUps: []model.TaskSpec{{
					Type:     model.TaskTypeLearn,
					Priority: model.TaskPriorityLow,
					Config:   map[string]interface{}{"url": "https://example.com"},
				}},
			}, nil
		}))
		o.RegisterHandler(model.TaskTypeLearn, okHandler())

		var callbackIDs []string
		var mu sync.Mutex
		o.RegisterCallback(model.TaskTypeScrape, func(_ context.Context, snap model.TaskSnapshot) error {
			mu.Lock()
			defer mu.Unlock()
			callbackIDs = append(callbackIDs, snap.ID)
			return errors.New("callback errors are only logged")
		})
		start(t, o)

		id, err := o.CreateTask(ctx, model.TaskTypeScrape, nil)
		require.NoError(t, err)
		waitStatus(t, o, id, model.TaskStatusCompleted)

		require.Eventually(t, func() bool {
			return len(o.ListTasks(TaskFilters{Type: model.TaskTypeLearn, Status: model.TaskStatusCompleted})) == 1
		}, 3*time.Second, 5*time.Millisecond)

		learn := o.ListTasks(TaskFilters{Type: model.TaskTypeLearn})[0]
		assert.Equal(t, model.TaskPriorityLow, learn.Priority)
		assert.Equal(t, id, learn.Metadata["parent_task_id"])

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{id}, callbackIDs)
	})

	t.Run("Handle Change", func(t *testing.T) {
		o := New(fastConfig(), logger)

		created, err := o.HandleChange(ctx, capability.ChangeEvent{
			URL:             "https://example.com",
			BeforeContent:   "a",
			AfterContent:    "b",
			ImportanceScore: 0.9,
		})
		require.NoError(t, err)
		require.Len(t, created, 2)

		evaluate, err := o.GetTaskStatus(created[0])
		require.NoError(t, err)
		assert.Equal(t, model.TaskTypeEvaluate, evaluate.Type)
		assert.Equal(t, model.TaskPriorityHigh, evaluate.Priority)

		analyze, err := o.GetTaskStatus(created[1])
		require.NoError(t, err)
		assert.Equal(t, model.TaskTypeAnalyze, analyze.Type)
		assert.Equal(t, model.TaskPriorityMedium, analyze.Priority)

		created, err = o.HandleChange(ctx, capability.ChangeEvent{URL: "https://example.com", ImportanceScore: 0.5})
		require.NoError(t, err)
		assert.Empty(t, created)
		assert.Equal(t, int64(2), o.Statistics().ChangesDetected)
	})

	t.Run("Change Events From Bus And Detector", func(t *testing.T) {
		bus := eventbus.New(eventbus.Config{}, logger, nil)
		require.NoError(t, bus.Start(ctx))
		defer bus.Stop()

		detector := &fakeDetector{}
		o := New(fastConfig(), logger, WithEventBus(bus), WithChangeDetector(detector))
		start(t, o)

		detector.emit(ctx, capability.ChangeEvent{URL: "https://a.example", ImportanceScore: 0.7, AfterContent: "x"})
		_, err := bus.Publish(ctx, model.EventChangeDetected, "external", capability.ChangeEvent{
			URL:           "https://b.example",
			BeforeContent: "1",
			AfterContent:  "2",
		}.EventData(), nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return o.Statistics().ChangesDetected == 2
		}, 3*time.Second, 5*time.Millisecond)
		assert.Len(t, o.ListTasks(TaskFilters{Type: model.TaskTypeAnalyze}), 1)
		assert.Len(t, o.ListTasks(TaskFilters{Type: model.TaskTypeEvaluate}), 1)
		assert.NotEmpty(t, bus.History(eventbus.HistoryQuery{Type: model.EventTaskCreated}))
	})

	t.Run("Error Log Is Capped", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = -1
		cfg.ErrorLogSize = 2
		o := New(cfg, logger)
		o.RegisterHandler(model.TaskTypeAnalyze, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			return nil, errors.New("nope")
		}))
		start(t, o)

		for i := 0; i < 5; i++ {
			_, err := o.CreateTask(ctx, model.TaskTypeAnalyze, nil)
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return o.Statistics().TasksFailed == 5 }, 3*time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, o.Statistics().ErrorCount)
		assert.Len(t, o.RecentErrors(1), 1)

		page, total := o.Errors(1, 5)
		assert.Equal(t, 2, total)
		assert.Len(t, page, 1)
	})

	t.Run("Statistics Embed Only Recent Errors", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxRetries = -1
		cfg.Workers = 4
		o := New(cfg, logger)
		o.RegisterHandler(model.TaskTypeAnalyze, handlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			return nil, errors.New("nope")
		}))
		start(t, o)

		for i := 0; i < 15; i++ {
			_, err := o.CreateTask(ctx, model.TaskTypeAnalyze, nil)
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return o.Statistics().TasksFailed == 15 }, 3*time.Second, 5*time.Millisecond)

		stats := o.Statistics()
		assert.Equal(t, 15, stats.ErrorCount)
		assert.Len(t, stats.RecentErrors, statsErrorLimit)

		page, total := o.Errors(10, 10)
		assert.Equal(t, 15, total)
		assert.Len(t, page, 5)
	})

	t.Run("Convenience Jobs", func(t *testing.T) {
		o := New(fastConfig(), logger)

		scrape, err := o.AddScrapingJob(ctx, "https://example.com", "extract prices", model.TaskPriorityHigh)
		require.NoError(t, err)
		monitor, err := o.AddMonitoringJob(ctx, "https://example.com", []string{"price"}, time.Hour, model.TaskPriorityLow)
		require.NoError(t, err)

		s, err := o.GetTaskStatus(scrape)
		require.NoError(t, err)
		assert.Equal(t, model.TaskTypeScrape, s.Type)
		m, err := o.GetTaskStatus(monitor)
		require.NoError(t, err)
		assert.Equal(t, model.TaskTypeMonitor, m.Type)
		assert.Equal(t, model.TaskPriorityLow, m.Priority)
	})

	t.Run("Start Twice", func(t *testing.T) {
		o := New(fastConfig(), logger)
		start(t, o)
		assert.ErrorIs(t, o.Start(ctx), ErrAlreadyRunning)
	})
}
