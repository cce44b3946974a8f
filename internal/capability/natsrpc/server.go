package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/capability"
)

// ErrNotProvided answers requests for a port the server was not given
var ErrNotProvided = errors.New("capability not provided")

// Services are the port implementations a Server exposes. Nil fields are
// answered with ErrNotProvided.
type Services struct {
	Scraper   capability.Scraper
	Learner   capability.TemplateLearner
	Detector  capability.ChangeDetector
	Analyzer  capability.ContentAnalyzer
	Evaluator capability.ImportanceEvaluator
}

// Server answers capability requests with local implementations, and
// republishes the detector's changes on the changes subject
type Server struct {
	nc     *nats.Conn
	cfg    Config
	svc    Services
	logger *zap.Logger

	mu          sync.Mutex
	subs        []*nats.Subscription
	unsubscribe func()
}

func NewServer(nc *nats.Conn, cfg Config, svc Services, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{nc: nc, cfg: cfg.withDefaults(), svc: svc, logger: logger.Named("capability-server")}
}

// Start subscribes to every operation subject
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers := map[string]func(context.Context, []byte) (interface{}, error){
		opScrape:     s.scrape,
		opLearn:      s.learn,
		opAnalyze:    s.analyze,
		opEvaluate:   s.evaluate,
		opAddMonitor: s.addMonitor,
	}
	for op, h := range handlers {
		sub, err := s.nc.Subscribe(s.cfg.subject(op), s.responder(op, h))
		if err != nil {
			s.stopLocked()
			return fmt.Errorf("subscribe %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}

	if s.svc.Detector != nil {
		unsubscribe, err := s.svc.Detector.SubscribeToChanges(func(_ context.Context, ev capability.ChangeEvent) {
			if err := PublishChange(s.nc, s.cfg, ev); err != nil {
				s.logger.Error("Failed to publish change", zap.String("url", ev.URL), zap.Error(err))
			}
		})
		if err != nil {
			s.stopLocked()
			return fmt.Errorf("subscribe to detector: %w", err)
		}
		s.unsubscribe = unsubscribe
	}

	s.logger.Info("Capability server started", zap.String("prefix", s.cfg.SubjectPrefix))
	return nil
}

// Stop drains every subscription
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Debug("Drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// PublishChange sends ev to Client.SubscribeToChanges listeners
func PublishChange(nc *nats.Conn, cfg Config, ev capability.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return nc.Publish(cfg.withDefaults().subject(opChanges), data)
}

func (s *Server) responder(op string, h func(context.Context, []byte) (interface{}, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()

		var (
			result interface{}
			err    error
		)
		if recovered := panics.Try(func() { result, err = h(ctx, msg.Data) }); recovered != nil {
			err = recovered.AsError()
		}

		var resp response
		if err != nil {
			s.logger.Warn("Capability request failed", zap.String("op", op), zap.Error(err))
			resp.Error = err.Error()
		} else if resp.Result, err = json.Marshal(result); err != nil {
			resp = response{Error: fmt.Sprintf("encode result: %v", err)}
		}

		data, _ := json.Marshal(resp)
		if err := msg.Respond(data); err != nil {
			s.logger.Error("Failed to respond", zap.String("op", op), zap.Error(err))
		}
	}
}

func (s *Server) scrape(ctx context.Context, data []byte) (interface{}, error) {
	if s.svc.Scraper == nil {
		return nil, ErrNotProvided
	}
	var req capability.ScrapeConfig
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Scraper.Scrape(ctx, req)
}

func (s *Server) learn(ctx context.Context, data []byte) (interface{}, error) {
	if s.svc.Learner == nil {
		return nil, ErrNotProvided
	}
	var req learnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Learner.Learn(ctx, req.URL, req.HTML, req.TargetFields)
}

func (s *Server) analyze(ctx context.Context, data []byte) (interface{}, error) {
	if s.svc.Analyzer == nil {
		return nil, ErrNotProvided
	}
	var req analyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Analyzer.Analyze(ctx, req.Content, req.Kind)
}

func (s *Server) evaluate(ctx context.Context, data []byte) (interface{}, error) {
	if s.svc.Evaluator == nil {
		return nil, ErrNotProvided
	}
	var req evaluateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Evaluator.Evaluate(ctx, req.Before, req.After, req.Metadata)
}

func (s *Server) addMonitor(ctx context.Context, data []byte) (interface{}, error) {
	if s.svc.Detector == nil {
		return nil, ErrNotProvided
	}
	var req capability.MonitoringConfig
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	id, err := s.svc.Detector.AddMonitoring(ctx, req)
	if err != nil {
		return nil, err
	}
	return addMonitorResponse{MonitoringID: id}, nil
}
