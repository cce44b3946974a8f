package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/crawl-control/internal/scheduler"
)

type runWorkflowArgs struct {
	Workflow string                 `mapstructure:"workflow"`
	Context  map[string]interface{} `mapstructure:"context"`
}

type purgeArgs struct {
	OlderThan time.Duration `mapstructure:"older_than"`
}

const historyPurgeInterval = time.Hour

// registerJobActions installs the actions scheduled jobs may name
func (a *App) registerJobActions(s *scheduler.TaskScheduler) {
	s.RegisterAction(ActionSubmitTask, scheduler.JobActionFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		id, _, err := a.submitTask(ctx, args)
		return id, err
	}))

	s.RegisterAction(ActionPublishEvent, scheduler.JobActionFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return a.publishEvent(ctx, args, nil)
	}))

	s.RegisterAction(ActionRunWorkflow, scheduler.JobActionFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		var p runWorkflowArgs
		if err := decodeParams(args, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", ActionRunWorkflow, err)
		}
		return a.RunWorkflow(ctx, p.Workflow, p.Context)
	}))

	s.RegisterAction(ActionPurgeHistory, scheduler.JobActionFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		if a.History == nil {
			return nil, errors.New("execution history is disabled")
		}
		var p purgeArgs
		if err := decodeParams(args, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", ActionPurgeHistory, err)
		}
		if p.OlderThan <= 0 {
			return nil, fmt.Errorf("%s: older_than must be positive", ActionPurgeHistory)
		}
		return a.History.DeleteBefore(ctx, time.Now().Add(-p.OlderThan))
	}))
}

// scheduleConfiguredJobs schedules the jobs listed in the configuration and
// the history purge job
func (a *App) scheduleConfiguredJobs() error {
	var errs []error
	for _, req := range a.cfg.Scheduler.Jobs {
		if _, err := a.Scheduler.ScheduleRequest(req); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", req.Name, err))
		}
	}

	if a.History != nil && a.cfg.History.Retention > 0 {
		_, err := a.Scheduler.ScheduleInterval("history_purge", ActionPurgeHistory, historyPurgeInterval,
			scheduler.WithArgs(map[string]interface{}{"older_than": a.cfg.History.Retention.String()}))
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
