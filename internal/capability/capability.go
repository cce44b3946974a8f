// Package capability declares the external services the control plane
// drives: scraping, template learning, change detection, content analysis
// and importance evaluation. Implementations live outside this module; see
// the natsrpc subpackage for a NATS request/reply client.
package capability

import (
	"context"
	"time"
)

// ScrapeConfig describes a page to extract
type ScrapeConfig struct {
	URL          string                 `json:"url" mapstructure:"url"`
	Prompt       string                 `json:"prompt,omitempty" mapstructure:"prompt"`
	TargetFields []string               `json:"target_fields,omitempty" mapstructure:"target_fields"`
	Options      map[string]interface{} `json:"options,omitempty" mapstructure:"options"`
}

// ScrapeResult is the outcome of a scrape
type ScrapeResult struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Confidence float64                `json:"confidence"`
	Error      string                 `json:"error,omitempty"`
}

// HTML returns the raw page content if the scraper included it
func (r ScrapeResult) HTML() string {
	if html, ok := r.Data["html"].(string); ok {
		return html
	}
	return ""
}

// Template is a learned extraction template; its shape belongs to the learner
type Template map[string]interface{}

// MonitoringConfig describes a page to watch for changes
type MonitoringConfig struct {
	URL           string                 `json:"url" mapstructure:"url"`
	Keywords      []string               `json:"keywords,omitempty" mapstructure:"keywords"`
	CheckInterval time.Duration          `json:"check_interval" mapstructure:"check_interval"`
	Options       map[string]interface{} `json:"options,omitempty" mapstructure:"options"`
}

// AnalysisResult is returned by a ContentAnalyzer. Status is "success" when
// Data is usable.
type AnalysisResult struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ImportanceScore rates how significant a content change is
type ImportanceScore struct {
	Score   float64                `json:"score"`
	Level   string                 `json:"level,omitempty"`
	Reasons []string               `json:"reasons,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ChangeCallback receives change notifications
type ChangeCallback func(ctx context.Context, event ChangeEvent)

type Scraper interface {
	Scrape(ctx context.Context, cfg ScrapeConfig) (ScrapeResult, error)
}

type TemplateLearner interface {
	Learn(ctx context.Context, url, html string, fields []string) (Template, error)
}

type ChangeDetector interface {
	AddMonitoring(ctx context.Context, cfg MonitoringConfig) (string, error)
	// SubscribeToChanges registers fn and returns a function that removes it
	SubscribeToChanges(fn ChangeCallback) (func(), error)
}

type ContentAnalyzer interface {
	Analyze(ctx context.Context, content, kind string) (AnalysisResult, error)
}

type ImportanceEvaluator interface {
	Evaluate(ctx context.Context, before, after string, metadata map[string]interface{}) (ImportanceScore, error)
}
