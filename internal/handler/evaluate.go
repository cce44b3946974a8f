package handler

import (
	"context"
	"fmt"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/model"
)

type evaluateConfig struct {
	BeforeContent string                 `mapstructure:"before_content"`
	AfterContent  string                 `mapstructure:"after_content"`
	Metadata      map[string]interface{} `mapstructure:"metadata"`
}

// EvaluateHandler scores how important a content change is
type EvaluateHandler struct {
	evaluator capability.ImportanceEvaluator
}

func NewEvaluateHandler(evaluator capability.ImportanceEvaluator) *EvaluateHandler {
	return &EvaluateHandler{evaluator: evaluator}
}

func (h *EvaluateHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg evaluateConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}

	score, err := h.evaluator.Evaluate(ctx, cfg.BeforeContent, cfg.AfterContent, cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("evaluate change: %w", err)
	}
	return result(task, score), nil
}
