package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
)

const (
	defaultStreamName    = "CRAWL_EVENTS"
	defaultSubjectPrefix = "crawl.events"
	defaultStreamMaxAge  = 24 * time.Hour
	operationTimeout     = 30 * time.Second

	originHeader = "Crawl-Bridge-Origin"

	// metadata key set on events that arrived over NATS
	ingestedFromKey = "nats_origin"
)

// BridgeConfig configures the JetStream bridge
type BridgeConfig struct {
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxAge        time.Duration `mapstructure:"max_age"`

	// Forward lists the event types copied to JetStream; empty forwards all
	Forward []model.EventType `mapstructure:"forward"`

	// Ingest lists the event types accepted from JetStream; empty disables ingest
	Ingest []model.EventType `mapstructure:"ingest"`
}

// NATSBridge copies local bus events to JetStream subjects
// "<prefix>.<event_type>" and feeds events published there by other
// processes into the local bus
type NATSBridge struct {
	js     nats.JetStreamContext
	bus    *Bus
	cfg    BridgeConfig
	logger *zap.Logger
	origin string

	mu        sync.Mutex
	handlerID string
	subs      []*nats.Subscription
}

// NewNATSBridge creates the event stream if needed
func NewNATSBridge(js nats.JetStreamContext, bus *Bus, cfg BridgeConfig, logger *zap.Logger) (*NATSBridge, error) {
	if cfg.Stream == "" {
		cfg.Stream = defaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultStreamMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &NATSBridge{
		js:     js,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Named("nats-bridge"),
		origin: uuid.New().String(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := b.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return b, nil
}

func (b *NATSBridge) setupStream(ctx context.Context) error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   b.cfg.MaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			b.logger.Info("Stream already exists", zap.String("stream", b.cfg.Stream))
			return nil
		}
		return err
	}

	b.logger.Info("Stream ready", zap.String("stream", b.cfg.Stream))
	return nil
}

// Subject returns the JetStream subject used for eventType
func (b *NATSBridge) Subject(eventType model.EventType) string {
	return b.cfg.SubjectPrefix + "." + string(eventType)
}

// Start begins forwarding and ingesting events
func (b *NATSBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range b.cfg.Ingest {
		sub, err := b.js.Subscribe(b.Subject(eventType), b.ingest, nats.DeliverNew(), nats.Context(ctx))
		if err != nil {
			b.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
		b.subs = append(b.subs, sub)
	}

	opts := []SubscribeOption{WithName("nats-bridge")}
	if len(b.cfg.Forward) > 0 {
		opts = append(opts, WithTypes(b.cfg.Forward...))
	}
	b.handlerID = b.bus.Subscribe(HandlerFunc(b.forward), opts...)

	b.logger.Info("NATS bridge started",
		zap.Int("forward_types", len(b.cfg.Forward)),
		zap.Int("ingest_types", len(b.cfg.Ingest)),
	)
	return nil
}

// Stop detaches the bridge from the bus and from JetStream
func (b *NATSBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlerID != "" {
		b.bus.Unsubscribe(b.handlerID)
		b.handlerID = ""
	}
	b.unsubscribeLocked()
}

func (b *NATSBridge) unsubscribeLocked() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	b.subs = nil
}

func (b *NATSBridge) forward(ctx context.Context, event model.Event) error {
	// events that came in over NATS are not sent back out
	if _, ok := event.Metadata[ingestedFromKey]; ok {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(b.Subject(event.Type))
	msg.Data = data
	msg.Header.Set(originHeader, b.origin)
	msg.Header.Set(nats.MsgIdHdr, event.ID)

	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBridge) ingest(msg *nats.Msg) {
	origin := msg.Header.Get(originHeader)
	if origin == b.origin {
		return
	}

	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("Failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if event.Type == "" {
		event.Type = model.EventType(strings.TrimPrefix(msg.Subject, b.cfg.SubjectPrefix+"."))
	}

	metadata := copyMap(event.Metadata)
	if origin == "" {
		origin = "external"
	}
	metadata[ingestedFromKey] = origin
	if event.ID != "" {
		metadata["remote_event_id"] = event.ID
	}

	if _, err := b.bus.Publish(context.Background(), event.Type, event.Source, event.Data, metadata); err != nil {
		b.logger.Warn("Failed to republish ingested event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}
