package monitor

import (
	"fmt"
	"time"

	"github.com/t77yq/crawl-control/internal/model"
)

// Thresholds are the usage levels that raise a system warning. Zero disables
// a check.
type Thresholds struct {
	CPUPercent    float64 `mapstructure:"cpu_percent"`
	MemoryPercent float64 `mapstructure:"memory_percent"`
	Goroutines    int     `mapstructure:"goroutines"`
}

// Alert is one threshold breach
type Alert struct {
	Resource  string
	Value     float64
	Threshold float64
}

func (a Alert) Message() string {
	return fmt.Sprintf("%s usage %.1f exceeds threshold %.1f", a.Resource, a.Value, a.Threshold)
}

// alertState suppresses repeats of the same breach within the cooldown
type alertState struct {
	thresholds Thresholds
	cooldown   time.Duration
	lastFired  map[string]time.Time
}

func newAlertState(t Thresholds, cooldown time.Duration) *alertState {
	return &alertState{thresholds: t, cooldown: cooldown, lastFired: make(map[string]time.Time)}
}

// evaluate returns the breaches in stats that are due to be reported.
// A resource back under its threshold is re-armed.
func (s *alertState) evaluate(stats model.ResourceStats, now time.Time) []Alert {
	checks := []Alert{
		{Resource: "cpu", Value: stats.CPUUsage, Threshold: s.thresholds.CPUPercent},
		{Resource: "memory", Value: stats.MemoryUsage, Threshold: s.thresholds.MemoryPercent},
		{Resource: "goroutines", Value: float64(stats.Goroutines), Threshold: float64(s.thresholds.Goroutines)},
	}

	var due []Alert
	for _, c := range checks {
		if c.Threshold <= 0 {
			continue
		}
		if c.Value <= c.Threshold {
			delete(s.lastFired, c.Resource)
			continue
		}
		if last, ok := s.lastFired[c.Resource]; ok && now.Sub(last) < s.cooldown {
			continue
		}
		s.lastFired[c.Resource] = now
		due = append(due, c)
	}
	return due
}
