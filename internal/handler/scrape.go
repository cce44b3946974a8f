package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/model"
)

// ErrScrapeUnsuccessful is returned when the scraper reports failure without
// an error; the attempt is retried
var ErrScrapeUnsuccessful = errors.New("scrape unsuccessful")

// ScrapeHandler extracts a page and queues template learning for it
type ScrapeHandler struct {
	scraper capability.Scraper
	limiter *DomainLimiter
	logger  *zap.Logger
}

// NewScrapeHandler creates the handler; limiter may be nil
func NewScrapeHandler(scraper capability.Scraper, limiter *DomainLimiter, logger *zap.Logger) *ScrapeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrapeHandler{scraper: scraper, limiter: limiter, logger: logger.Named("scrape-handler")}
}

func (h *ScrapeHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var cfg capability.ScrapeConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if err := requireField("url", cfg.URL); err != nil {
		return nil, err
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, cfg.URL); err != nil {
			return nil, err
		}
	}

	h.logger.Info("Scraping", zap.String("task_id", task.ID), zap.String("url", cfg.URL))
	res, err := h.scraper.Scrape(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", cfg.URL, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s: %s", ErrScrapeUnsuccessful, cfg.URL, res.Error)
	}

	out := result(task, res)
	out.FollowUps = []model.TaskSpec{{
		Type:     model.TaskTypeLearn,
		Priority: model.TaskPriorityLow,
		Config: map[string]interface{}{
			"url":           cfg.URL,
			"html":          res.HTML(),
			"target_fields": cfg.TargetFields,
		},
	}}
	return out, nil
}
