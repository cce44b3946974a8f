package eventbus

import (
	"context"

	"github.com/t77yq/crawl-control/internal/model"
)

// Handler consumes events delivered by the bus
type Handler interface {
	Handle(ctx context.Context, event model.Event) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, event model.Event) error

// Handle calls f(ctx, event)
func (f HandlerFunc) Handle(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscription)

// WithTypes restricts delivery to the given event types
func WithTypes(types ...model.EventType) SubscribeOption {
	return func(s *subscription) {
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// WithSources restricts delivery to events from the given sources
func WithSources(sources ...string) SubscribeOption {
	return func(s *subscription) {
		for _, src := range sources {
			s.sources[src] = struct{}{}
		}
	}
}

// WithName labels the subscription in logs
func WithName(name string) SubscribeOption {
	return func(s *subscription) {
		s.name = name
	}
}

type subscription struct {
	id      string
	name    string
	handler Handler
	types   map[model.EventType]struct{}
	sources map[string]struct{}
}

// matches applies the type and source filters; an empty filter accepts all
func (s *subscription) matches(event model.Event) bool {
	if len(s.types) > 0 {
		if _, ok := s.types[event.Type]; !ok {
			return false
		}
	}
	if len(s.sources) > 0 {
		if _, ok := s.sources[event.Source]; !ok {
			return false
		}
	}
	return true
}
