// Package monitor samples host resources and raises system warnings on the
// event bus when usage crosses configured thresholds.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
)

const (
	defaultInterval = 30 * time.Second
	defaultCooldown = 5 * time.Minute

	eventSource = "resource_monitor"
)

var ErrAlreadyRunning = errors.New("resource monitor already running")

// Publisher is the part of the event bus the monitor needs
type Publisher interface {
	Publish(ctx context.Context, eventType model.EventType, source string, data, metadata map[string]interface{}) (string, error)
}

// Recorder receives resource samples
type Recorder interface {
	ResourceUsage(cpuPercent, memoryPercent float64, goroutines int)
}

// Config holds monitor settings
type Config struct {
	Interval   time.Duration `mapstructure:"interval"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Thresholds Thresholds    `mapstructure:"thresholds"`
}

// ResourceMonitor periodically samples host usage
type ResourceMonitor struct {
	cfg      Config
	sampler  Sampler
	bus      Publisher
	recorder Recorder
	logger   *zap.Logger

	mu     sync.RWMutex
	latest *model.ResourceStats
	alerts *alertState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResourceMonitor creates a monitor. bus and recorder may be nil.
func NewResourceMonitor(cfg Config, sampler Sampler, bus Publisher, recorder Recorder, logger *zap.Logger) *ResourceMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if sampler == nil {
		sampler = HostSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceMonitor{
		cfg:      cfg,
		sampler:  sampler,
		bus:      bus,
		recorder: recorder,
		logger:   logger.Named("resource-monitor"),
		alerts:   newAlertState(cfg.Thresholds, cfg.Cooldown),
	}
}

// Start samples once immediately and then on every interval until Stop
func (m *ResourceMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	m.logger.Info("Resource monitor started", zap.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop ends sampling and waits for the loop to exit
func (m *ResourceMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Resource monitor stopped")
}

// Latest returns the most recent sample
func (m *ResourceMonitor) Latest() (model.ResourceStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return model.ResourceStats{}, false
	}
	return *m.latest, true
}

func (m *ResourceMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect takes one sample, records it and publishes any due warnings
func (m *ResourceMonitor) Collect(ctx context.Context) {
	stats, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Failed to sample resources", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.latest = &stats
	due := m.alerts.evaluate(stats, stats.CollectedAt)
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.ResourceUsage(stats.CPUUsage, stats.MemoryUsage, stats.Goroutines)
	}

	m.logger.Debug("Resources sampled",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("goroutines", stats.Goroutines))

	for _, alert := range due {
		m.logger.Warn("Resource threshold exceeded",
			zap.String("resource", alert.Resource),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold))
		if m.bus == nil {
			continue
		}
		_, err := m.bus.Publish(ctx, model.EventSystemWarning, eventSource, map[string]interface{}{
			"resource":  alert.Resource,
			"value":     alert.Value,
			"threshold": alert.Threshold,
			"message":   alert.Message(),
		}, nil)
		if err != nil {
			m.logger.Error("Failed to publish resource warning", zap.Error(err))
		}
	}
}
