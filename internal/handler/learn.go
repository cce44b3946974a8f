package handler

import (
	"context"
	"fmt"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/model"
)

type learnConfig struct {
	URL          string   `mapstructure:"url"`
	HTML         string   `mapstructure:"html"`
	TargetFields []string `mapstructure:"target_fields"`
}

// LearnHandler derives an extraction template from a scraped page
type LearnHandler struct {
	learner capability.TemplateLearner
}

func NewLearnHandler(learner capability.TemplateLearner) *LearnHandler {
	return &LearnHandler{learner: learner}
}

func (h *LearnHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg learnConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if err := requireField("url", cfg.URL); err != nil {
		return nil, err
	}

	tmpl, err := h.learner.Learn(ctx, cfg.URL, cfg.HTML, cfg.TargetFields)
	if err != nil {
		return nil, fmt.Errorf("learn template for %s: %w", cfg.URL, err)
	}
	return result(task, tmpl), nil
}
