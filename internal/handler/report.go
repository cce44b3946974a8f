package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/t77yq/crawl-control/internal/model"
)

const defaultReportType = "summary"

// ErrUnknownReport is a permanent failure for report types nobody provides
var ErrUnknownReport = errors.New("unknown report type")

// ReportFunc produces one kind of report
type ReportFunc func(ctx context.Context) (interface{}, error)

type reportConfig struct {
	ReportType string `mapstructure:"report_type"`
}

// ReportHandler serves reports registered by name
type ReportHandler struct {
	mu      sync.RWMutex
	reports map[string]ReportFunc
}

func NewReportHandler() *ReportHandler {
	return &ReportHandler{reports: make(map[string]ReportFunc)}
}

// Register makes fn available as report_type name
func (h *ReportHandler) Register(name string, fn ReportFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports[name] = fn
}

// Types lists the registered report types
func (h *ReportHandler) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.reports))
	for name := range h.reports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *ReportHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg reportConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.ReportType == "" {
		cfg.ReportType = defaultReportType
	}

	h.mu.RLock()
	fn, ok := h.reports[cfg.ReportType]
	h.mu.RUnlock()
	if !ok {
		return nil, model.Permanent(fmt.Errorf("%w: %q", ErrUnknownReport, cfg.ReportType))
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", cfg.ReportType, err)
	}
	return result(task, out), nil
}
