// Package eventbus implements an in-process publish/subscribe bus with a
// bounded queue, a single dispatch loop and a capped event history
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/ring"
)

const (
	defaultQueueSize    = 1000
	defaultHistorySize  = 10000
	defaultHistoryLimit = 100
)

// Config controls queue and history sizes
type Config struct {
	QueueSize   int `mapstructure:"queue_size"`
	HistorySize int `mapstructure:"history_size"`
}

// Recorder receives bus metrics. A nil Recorder is ignored
type Recorder interface {
	EventPublished(eventType string)
	EventProcessed(eventType string)
	EventHandlerFailed(eventType string)
	EventQueueDepth(depth int)
}

// HistoryQuery filters History results. Zero values match everything; a
// non-positive Limit defaults to 100
type HistoryQuery struct {
	Type   model.EventType
	Source string
	Limit  int
}

// Statistics is a snapshot of bus counters
type Statistics struct {
	EventsPublished int64 `json:"events_published"`
	EventsProcessed int64 `json:"events_processed"`
	EventsFailed    int64 `json:"events_failed"`
	HandlersCount   int   `json:"handlers_count"`
	QueueSize       int   `json:"queue_size"`
	HistorySize     int   `json:"history_size"`
	Running         bool  `json:"running"`
}

// Bus delivers published events to every matching subscriber. Events are
// consumed in FIFO order by one goroutine; the handlers of a single event
// run concurrently and the next event is not dispatched until they return
type Bus struct {
	cfg      Config
	logger   *zap.Logger
	recorder Recorder

	events  chan model.Event
	history *ring.Buffer[model.Event]

	mu   sync.RWMutex
	subs map[string]*subscription

	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	lifecycle sync.Mutex
	running   bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped bus. Events published before Start are queued
func New(cfg Config, logger *zap.Logger, recorder Recorder) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:      cfg,
		logger:   logger.Named("event-bus"),
		recorder: recorder,
		events:   make(chan model.Event, cfg.QueueSize),
		history:  ring.New[model.Event](cfg.HistorySize),
		subs:     make(map[string]*subscription),
	}
}

// Start launches the dispatch loop
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.run(runCtx)

	b.logger.Info("Event bus started",
		zap.Int("queue_size", b.cfg.QueueSize),
		zap.Int("history_size", b.cfg.HistorySize),
	)
	return nil
}

// Stop cancels the dispatch loop and waits for in-flight handlers. Events
// still queued are discarded and later publishes fail with ErrBusClosed
func (b *Bus) Stop() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.closed.Store(true)
	if !b.running {
		return
	}
	b.cancel()
	<-b.done
	b.running = false
	b.logger.Info("Event bus stopped", zap.Int("dropped", len(b.events)))
}

// Publish enqueues an event without blocking and returns its id
func (b *Bus) Publish(ctx context.Context, eventType model.EventType, source string, data, metadata map[string]interface{}) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	event := model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      copyMap(data),
		Metadata:  copyMap(metadata),
		Timestamp: time.Now().UTC(),
	}

	select {
	case b.events <- event:
	default:
		b.logger.Warn("Event dropped, queue full",
			zap.String("event_type", string(eventType)),
			zap.String("source", source),
		)
		return "", fmt.Errorf("publish %s: %w", eventType, ErrQueueFull)
	}

	b.published.Add(1)
	if b.recorder != nil {
		b.recorder.EventPublished(string(eventType))
		b.recorder.EventQueueDepth(len(b.events))
	}
	return event.ID, nil
}

// Subscribe registers handler and returns its subscription id
func (b *Bus) Subscribe(handler Handler, opts ...SubscribeOption) string {
	sub := &subscription{
		id:      uuid.New().String(),
		handler: handler,
		types:   make(map[model.EventType]struct{}),
		sources: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = sub.id
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Handler subscribed",
		zap.String("handler_id", sub.id),
		zap.String("name", sub.name),
		zap.Int("types", len(sub.types)),
		zap.Int("sources", len(sub.sources)),
	)
	return sub.id
}

// SubscribeFunc registers a plain function as a handler
func (b *Bus) SubscribeFunc(fn HandlerFunc, opts ...SubscribeOption) string {
	return b.Subscribe(fn, opts...)
}

// Unsubscribe removes a handler. It reports whether the id was known
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// History returns the newest matching events, oldest first
func (b *Bus) History(q HistoryQuery) []model.Event {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return b.history.Last(limit, func(e model.Event) bool {
		if q.Type != "" && e.Type != q.Type {
			return false
		}
		if q.Source != "" && e.Source != q.Source {
			return false
		}
		return true
	})
}

// ClearHistory drops all retained events
func (b *Bus) ClearHistory() {
	b.history.Clear()
}

// Statistics returns a snapshot of the bus counters
func (b *Bus) Statistics() Statistics {
	b.mu.RLock()
	handlers := len(b.subs)
	b.mu.RUnlock()

	b.lifecycle.Lock()
	running := b.running
	b.lifecycle.Unlock()

	return Statistics{
		EventsPublished: b.published.Load(),
		EventsProcessed: b.processed.Load(),
		EventsFailed:    b.failed.Load(),
		HandlersCount:   handlers,
		QueueSize:       len(b.events),
		HistorySize:     b.history.Len(),
		Running:         running,
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event model.Event) {
	b.history.Push(event)

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var wg conc.WaitGroup
	for _, sub := range matched {
		sub := sub
		wg.Go(func() {
			var err error
			if r := panics.Try(func() { err = sub.handler.Handle(ctx, event) }); r != nil {
				err = r.AsError()
			}
			if err != nil {
				b.failed.Add(1)
				if b.recorder != nil {
					b.recorder.EventHandlerFailed(string(event.Type))
				}
				b.logger.Error("Event handler failed",
					zap.String("handler", sub.name),
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err),
				)
			}
		})
	}
	wg.Wait()

	b.processed.Add(1)
	if b.recorder != nil {
		b.recorder.EventProcessed(string(event.Type))
		b.recorder.EventQueueDepth(len(b.events))
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
