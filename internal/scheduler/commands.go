package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultCommandStream = "SCHEDULES"
	defaultCommandPrefix = "schedule"
	commandStreamMaxAge  = 24 * time.Hour
)

// CommandConfig configures the JetStream command listener
type CommandConfig struct {
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	// Durable prefixes the consumer names
	Durable string `mapstructure:"durable"`
}

// JobCommand is the payload of the cancel, pause and resume subjects
type JobCommand struct {
	JobID string `json:"job_id"`
}

// CommandListener lets other processes manage jobs over JetStream:
// "<prefix>.add" carries a JobRequest, "<prefix>.cancel", "<prefix>.pause"
// and "<prefix>.resume" carry a JobCommand.
type CommandListener struct {
	js     nats.JetStreamContext
	sched  *TaskScheduler
	cfg    CommandConfig
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewCommandListener(js nats.JetStreamContext, sched *TaskScheduler, cfg CommandConfig, logger *zap.Logger) *CommandListener {
	if cfg.Stream == "" {
		cfg.Stream = defaultCommandStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultCommandPrefix
	}
	if cfg.Durable == "" {
		cfg.Durable = "scheduler"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandListener{
		js:     js,
		sched:  sched,
		cfg:    cfg,
		logger: logger.Named("schedule-commands"),
	}
}

// Subject returns the subject of a command such as "add"
func (l *CommandListener) Subject(command string) string {
	return l.cfg.SubjectPrefix + "." + command
}

// Start ensures the stream exists and subscribes to every command subject
func (l *CommandListener) Start(_ context.Context) error {
	if err := l.ensureStream(); err != nil {
		return err
	}

	handlers := map[string]nats.MsgHandler{
		"add":    l.onAdd,
		"cancel": l.onControl("cancel", l.sched.CancelJob),
		"pause":  l.onControl("pause", l.sched.PauseJob),
		"resume": l.onControl("resume", l.sched.ResumeJob),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for command, handler := range handlers {
		sub, err := l.js.Subscribe(l.Subject(command), handler,
			nats.Durable(l.cfg.Durable+"-"+command))
		if err != nil {
			l.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", l.Subject(command), err)
		}
		l.subs = append(l.subs, sub)
	}
	l.logger.Info("Listening for schedule commands", zap.String("prefix", l.cfg.SubjectPrefix))
	return nil
}

func (l *CommandListener) ensureStream() error {
	_, err := l.js.StreamInfo(l.cfg.Stream)
	if err == nil {
		l.logger.Info("Using existing schedule stream", zap.String("name", l.cfg.Stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	_, err = l.js.AddStream(&nats.StreamConfig{
		Name:     l.cfg.Stream,
		Subjects: []string{l.cfg.SubjectPrefix + ".*"},
		Storage:  nats.FileStorage,
		MaxAge:   commandStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	l.logger.Info("Created schedule stream", zap.String("name", l.cfg.Stream))
	return nil
}

// Stop drains the subscriptions
func (l *CommandListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribeLocked()
}

func (l *CommandListener) unsubscribeLocked() {
	for _, sub := range l.subs {
		if err := sub.Drain(); err != nil {
			l.logger.Warn("Failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	l.subs = nil
}

func (l *CommandListener) onAdd(msg *nats.Msg) {
	var req JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		l.logger.Error("Failed to unmarshal job request", zap.Error(err))
		return
	}
	id, err := l.sched.ScheduleRequest(req)
	if err != nil {
		l.logger.Error("Failed to schedule job", zap.String("name", req.Name), zap.Error(err))
		return
	}
	l.logger.Info("Scheduled job from command", zap.String("job_id", id), zap.String("name", req.Name))
}

func (l *CommandListener) onControl(command string, apply func(id string) bool) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd JobCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			l.logger.Error("Failed to unmarshal job command", zap.String("command", command), zap.Error(err))
			return
		}
		if !apply(cmd.JobID) {
			l.logger.Warn("Job command not applied", zap.String("command", command), zap.String("job_id", cmd.JobID))
			return
		}
		l.logger.Info("Applied job command", zap.String("command", command), zap.String("job_id", cmd.JobID))
	}
}
