// Package app builds the control plane from configuration and manages its
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/api"
	"github.com/t77yq/crawl-control/internal/capability"
	"github.com/t77yq/crawl-control/internal/capability/natsrpc"
	"github.com/t77yq/crawl-control/internal/config"
	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/handler"
	"github.com/t77yq/crawl-control/internal/metrics"
	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/monitor"
	"github.com/t77yq/crawl-control/internal/orchestrator"
	"github.com/t77yq/crawl-control/internal/scheduler"
	"github.com/t77yq/crawl-control/internal/storage"
	"github.com/t77yq/crawl-control/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

// ErrUnknownWorkflow is returned by RunWorkflow for unloaded definitions
var ErrUnknownWorkflow = errors.New("unknown workflow definition")

// Capabilities overrides the capability ports. Nil fields fall back to the
// NATS client when NATS is enabled; task types without a port get no handler.
type Capabilities struct {
	Scraper   capability.Scraper
	Learner   capability.TemplateLearner
	Detector  capability.ChangeDetector
	Analyzer  capability.ContentAnalyzer
	Evaluator capability.ImportanceEvaluator
}

// Option customises construction
type Option func(*options)

type options struct {
	caps Capabilities
	nc   *nats.Conn
}

// WithCapabilities injects port implementations
func WithCapabilities(c Capabilities) Option {
	return func(o *options) { o.caps = c }
}

// WithNATSConn uses an existing connection instead of dialing nats.url. The
// caller keeps ownership of the connection.
func WithNATSConn(nc *nats.Conn) Option {
	return func(o *options) { o.nc = nc }
}

// App owns every subsystem
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Metrics      *metrics.Metrics
	Bus          *eventbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Engine       *workflow.Engine
	Scheduler    *scheduler.TaskScheduler
	Monitor      *monitor.ResourceMonitor
	History      *storage.SQLiteHistory
	Reports      *handler.ReportHandler

	nc       *nats.Conn
	ownsNC   bool
	client   *natsrpc.Client
	bridge   *eventbus.NATSBridge
	commands *scheduler.CommandListener

	defMu       sync.RWMutex
	definitions map[string]workflow.Definition

	// mu guards the lifecycle
	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	started  bool
}

// New builds every subsystem without starting any of them
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger, definitions: make(map[string]workflow.Definition)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(reg)

	var history storage.HistoryStorage
	if cfg.History.Path != "" {
		if a.History, err = storage.NewSQLiteHistory(logger, cfg.History.Path); err != nil {
			return nil, err
		}
		history = a.History
	}

	a.Bus = eventbus.New(cfg.Events, logger, a.Metrics)

	if err = a.setupNATS(o); err != nil {
		return nil, err
	}
	caps := a.capabilities(o.caps)

	orchOpts := []orchestrator.Option{
		orchestrator.WithEventBus(a.Bus),
		orchestrator.WithRecorder(a.Metrics),
	}
	if caps.Detector != nil {
		orchOpts = append(orchOpts, orchestrator.WithChangeDetector(caps.Detector))
	}
	if history != nil {
		orchOpts = append(orchOpts, orchestrator.WithHistory(history))
	}
	a.Orchestrator = orchestrator.New(cfg.Orchestrator, logger, orchOpts...)
	a.registerHandlers(caps)

	registry := workflow.NewRegistry()
	if err = a.registerBuiltins(registry); err != nil {
		return nil, err
	}
	a.Engine = workflow.NewEngine(cfg.Workflow.Config, registry, logger)
	a.Engine.RegisterCallback(a.workflowFinished)
	if err = a.loadDefinitions(cfg.Workflow.Definitions); err != nil {
		return nil, err
	}

	schedOpts := []scheduler.Option{scheduler.WithRecorder(a.Metrics)}
	if history != nil {
		schedOpts = append(schedOpts, scheduler.WithHistory(history))
	}
	if a.Scheduler, err = scheduler.New(cfg.Scheduler, logger, schedOpts...); err != nil {
		return nil, err
	}
	a.registerJobActions(a.Scheduler)
	if err = a.scheduleConfiguredJobs(); err != nil {
		return nil, err
	}

	if a.nc != nil {
		js, jsErr := a.nc.JetStream()
		if jsErr != nil {
			return nil, fmt.Errorf("create JetStream context: %w", jsErr)
		}
		if a.bridge, err = eventbus.NewNATSBridge(js, a.Bus, cfg.NATS.Bridge, logger); err != nil {
			return nil, err
		}
		a.commands = scheduler.NewCommandListener(js, a.Scheduler, cfg.NATS.Commands, logger)
	}

	if cfg.Monitor.Enabled {
		a.Monitor = monitor.NewResourceMonitor(cfg.Monitor.Config, monitor.HostSampler{}, a.Bus, a.Metrics, logger)
	}

	return a, nil
}

func (a *App) setupNATS(o options) error {
	if o.nc != nil {
		a.nc = o.nc
		return nil
	}
	if !a.cfg.NATS.Enabled {
		return nil
	}
	nc, err := connectNATS(a.cfg.NATS, a.logger)
	if err != nil {
		return err
	}
	a.nc, a.ownsNC = nc, true
	return nil
}

// capabilities fills unset ports from the NATS client
func (a *App) capabilities(c Capabilities) Capabilities {
	if a.nc == nil {
		return c
	}
	client := natsrpc.NewClient(a.nc, a.cfg.NATS.Capability, a.logger)
	a.client = client
	if c.Scraper == nil {
		c.Scraper = client
	}
	if c.Learner == nil {
		c.Learner = client
	}
	if c.Detector == nil {
		c.Detector = client
	}
	if c.Analyzer == nil {
		c.Analyzer = client
	}
	if c.Evaluator == nil {
		c.Evaluator = client
	}
	return c
}

func (a *App) registerHandlers(c Capabilities) {
	o := a.Orchestrator
	if c.Scraper != nil {
		o.RegisterHandler(model.TaskTypeScrape, handler.NewScrapeHandler(c.Scraper, handler.NewDomainLimiter(a.cfg.RateLimit), a.logger))
	}
	if c.Detector != nil {
		o.RegisterHandler(model.TaskTypeMonitor, handler.NewMonitorHandler(c.Detector))
	}
	if c.Analyzer != nil {
		o.RegisterHandler(model.TaskTypeAnalyze, handler.NewAnalyzeHandler(c.Analyzer))
	}
	if c.Learner != nil {
		o.RegisterHandler(model.TaskTypeLearn, handler.NewLearnHandler(c.Learner))
	}
	if c.Evaluator != nil {
		o.RegisterHandler(model.TaskTypeEvaluate, handler.NewEvaluateHandler(c.Evaluator))
	}

	a.Reports = handler.NewReportHandler()
	a.Reports.Register("summary", func(context.Context) (interface{}, error) {
		return a.Orchestrator.Statistics(), nil
	})
	a.Reports.Register("scheduler", func(context.Context) (interface{}, error) {
		return a.Scheduler.Statistics(), nil
	})
	a.Reports.Register("events", func(context.Context) (interface{}, error) {
		return a.Bus.Statistics(), nil
	})
	if a.client != nil {
		a.Reports.Register("capabilities", func(context.Context) (interface{}, error) {
			return a.client.Breakers(), nil
		})
	}
	o.RegisterHandler(model.TaskTypeReport, a.Reports)
}

func (a *App) loadDefinitions(paths []string) error {
	for _, path := range paths {
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		wf, err := def.Build()
		if err != nil {
			return fmt.Errorf("workflow %s: %w", path, err)
		}
		if err := wf.Validate(a.Engine.Registry()); err != nil {
			return fmt.Errorf("workflow %s: %w", path, err)
		}
		a.defMu.Lock()
		a.definitions[def.Name] = def
		a.defMu.Unlock()
		a.logger.Info("Workflow definition loaded", zap.String("name", def.Name), zap.String("path", path))
	}
	return nil
}

// RegisterDefinition makes def runnable by name through RunWorkflow
func (a *App) RegisterDefinition(def workflow.Definition) error {
	wf, err := def.Build()
	if err != nil {
		return err
	}
	if err := wf.Validate(a.Engine.Registry()); err != nil {
		return err
	}
	a.defMu.Lock()
	a.definitions[def.Name] = def
	a.defMu.Unlock()
	return nil
}

// RunWorkflow builds a fresh instance of a loaded definition and starts it.
// It returns the instance id without waiting for completion.
func (a *App) RunWorkflow(ctx context.Context, name string, initial map[string]interface{}) (string, error) {
	a.defMu.RLock()
	def, ok := a.definitions[name]
	a.defMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}

	wf, err := def.Build()
	if err != nil {
		return "", err
	}
	// the run must outlive a scheduled job's context
	if err := a.Engine.Start(context.WithoutCancel(ctx), wf, initial); err != nil {
		return "", err
	}
	return wf.ID, nil
}

func (a *App) workflowFinished(ctx context.Context, res workflow.ExecutionResult) {
	a.Metrics.WorkflowFinished(string(res.Status))

	eventType := model.EventSystemInfo
	data := map[string]interface{}{
		"workflow_id": res.WorkflowID,
		"status":      string(res.Status),
	}
	if res.Status == workflow.StatusFailed {
		eventType = model.EventSystemError
		data["error"] = res.Error
	}
	if _, err := a.Bus.Publish(context.WithoutCancel(ctx), eventType, "workflow_engine", data, nil); err != nil {
		a.logger.Debug("Workflow event not published", zap.Error(err))
	}
}

// APIHandler returns the status API router
func (a *App) APIHandler() http.Handler {
	deps := api.Dependencies{
		Tasks:     a.Orchestrator,
		Jobs:      a.Scheduler,
		Events:    a.Bus,
		Workflows: a.Engine,
		Metrics:   a.Metrics,
	}
	if a.History != nil {
		deps.History = a.History
	}
	return api.NewServer(deps, a.logger).Handler()
}

// Start starts every subsystem; the API listens when enabled
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	if err := a.Bus.Start(ctx); err != nil {
		return err
	}
	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if a.commands != nil {
		if err := a.commands.Start(ctx); err != nil {
			return err
		}
	}
	if a.Monitor != nil {
		if err := a.Monitor.Start(ctx); err != nil {
			return err
		}
	}
	if a.cfg.API.Enabled {
		if err := a.serveAPI(); err != nil {
			return err
		}
	}

	a.started = true
	a.logger.Info("Control plane started")
	return nil
}

func (a *App) serveAPI() error {
	ln, err := net.Listen("tcp", a.cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.API.Addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.APIHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("API server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("API listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// APIAddr is the address the API listens on, once started
func (a *App) APIAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Close stops every subsystem in reverse start order and releases resources
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, a.server.Shutdown(ctx))
		cancel()
		a.server, a.listener = nil, nil
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.commands != nil {
		a.commands.Stop()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.Bus != nil {
		a.Bus.Stop()
	}
	if a.nc != nil && a.ownsNC {
		err = multierr.Append(err, a.nc.Drain())
		a.nc = nil
	}
	if a.History != nil {
		err = multierr.Append(err, a.History.Close())
		a.History = nil
	}
	a.started = false
	return err
}
