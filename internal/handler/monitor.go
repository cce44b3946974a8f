package handler

import (
	"context"
	"fmt"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/model"
)

// MonitorHandler registers a page with the change detector
type MonitorHandler struct {
	detector capability.ChangeDetector
}

func NewMonitorHandler(detector capability.ChangeDetector) *MonitorHandler {
	return &MonitorHandler{detector: detector}
}

func (h *MonitorHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg capability.MonitoringConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if err := requireField("url", cfg.URL); err != nil {
		return nil, err
	}

	id, err := h.detector.AddMonitoring(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("add monitoring %s: %w", cfg.URL, err)
	}
	return result(task, map[string]interface{}{
		"monitoring_id": id,
		"url":           cfg.URL,
	}), nil
}
