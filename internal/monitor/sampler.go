package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/t77yq/crawl-control/internal/model"
)

// Sampler reads current host resource usage
type Sampler interface {
	Sample(ctx context.Context) (model.ResourceStats, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (model.ResourceStats, error)

func (f SamplerFunc) Sample(ctx context.Context) (model.ResourceStats, error) { return f(ctx) }

// HostSampler reads CPU and memory usage through gopsutil. CPU usage is
// measured since the previous call.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (model.ResourceStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.ResourceStats{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.ResourceStats{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := model.ResourceStats{
		MemoryUsage: memInfo.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now().UTC(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	return stats, nil
}
