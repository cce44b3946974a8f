package handler

import (
	"context"
	"fmt"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/model"
)

const defaultPromptType = "sentiment"

type analyzeConfig struct {
	Content    string `mapstructure:"content"`
	PromptType string `mapstructure:"prompt_type"`
}

// AnalyzeHandler runs content through the analyzer. An analysis that does
// not report success completes with empty output.
type AnalyzeHandler struct {
	analyzer capability.ContentAnalyzer
}

func NewAnalyzeHandler(analyzer capability.ContentAnalyzer) *AnalyzeHandler {
	return &AnalyzeHandler{analyzer: analyzer}
}

func (h *AnalyzeHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg analyzeConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.PromptType == "" {
		cfg.PromptType = defaultPromptType
	}

	res, err := h.analyzer.Analyze(ctx, cfg.Content, cfg.PromptType)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", cfg.PromptType, err)
	}
	if res.Status != "success" || res.Data == nil {
		return result(task, map[string]interface{}{}), nil
	}
	return result(task, res.Data), nil
}
