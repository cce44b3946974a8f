package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/capability"
)

// Client implements every capability port by calling remote services. Each
// request/reply operation sits behind its own circuit breaker.
type Client struct {
	nc       *nats.Conn
	cfg      Config
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

var (
	_ capability.Scraper             = (*Client)(nil)
	_ capability.TemplateLearner     = (*Client)(nil)
	_ capability.ChangeDetector      = (*Client)(nil)
	_ capability.ContentAnalyzer     = (*Client)(nil)
	_ capability.ImportanceEvaluator = (*Client)(nil)
)

func NewClient(nc *nats.Conn, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("capability-client")
	return &Client{nc: nc, cfg: cfg, logger: logger, breakers: newBreakers(cfg.Breaker, logger)}
}

func (c *Client) Scrape(ctx context.Context, cfg capability.ScrapeConfig) (capability.ScrapeResult, error) {
	var out capability.ScrapeResult
	err := c.call(ctx, opScrape, cfg, &out)
	return out, err
}

func (c *Client) Learn(ctx context.Context, url, html string, fields []string) (capability.Template, error) {
	var out capability.Template
	err := c.call(ctx, opLearn, learnRequest{URL: url, HTML: html, TargetFields: fields}, &out)
	return out, err
}

func (c *Client) Analyze(ctx context.Context, content, kind string) (capability.AnalysisResult, error) {
	var out capability.AnalysisResult
	err := c.call(ctx, opAnalyze, analyzeRequest{Content: content, Kind: kind}, &out)
	return out, err
}

func (c *Client) Evaluate(ctx context.Context, before, after string, metadata map[string]interface{}) (capability.ImportanceScore, error) {
	var out capability.ImportanceScore
	err := c.call(ctx, opEvaluate, evaluateRequest{Before: before, After: after, Metadata: metadata}, &out)
	return out, err
}

func (c *Client) AddMonitoring(ctx context.Context, cfg capability.MonitoringConfig) (string, error) {
	var out addMonitorResponse
	if err := c.call(ctx, opAddMonitor, cfg, &out); err != nil {
		return "", err
	}
	return out.MonitoringID, nil
}

// SubscribeToChanges delivers change notifications to fn until the returned
// function is called. Malformed notifications are logged and dropped.
func (c *Client) SubscribeToChanges(fn capability.ChangeCallback) (func(), error) {
	sub, err := c.nc.Subscribe(c.cfg.subject(opChanges), func(msg *nats.Msg) {
		var ev capability.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("Dropping malformed change notification", zap.Error(err))
			return
		}
		fn(context.Background(), ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to changes: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("Unsubscribe from changes", zap.Error(err))
		}
	}, nil
}

func (c *Client) call(ctx context.Context, op string, req, out interface{}) error {
	cb, ok := c.breakers[op]
	if !ok {
		return c.roundTrip(ctx, op, req, out)
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, req, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op string, req, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.cfg.subject(op), data)
	if err != nil {
		return fmt.Errorf("%s: request: %w", op, err)
	}

	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if resp.Error != "" {
		return &RemoteError{Op: op, Message: resp.Error}
	}
	if len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}
