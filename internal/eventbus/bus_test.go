package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
)

func newStartedBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	bus := New(cfg, zap.NewNop(), nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Stop)
	return bus
}

func waitProcessed(t *testing.T, bus *Bus, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.Statistics().EventsProcessed >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("Type Filter", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		var mu sync.Mutex
		var got []model.EventType
		bus.SubscribeFunc(func(_ context.Context, e model.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e.Type)
			return nil
		}, WithTypes(model.EventTaskCompleted))

		_, err := bus.Publish(ctx, model.EventTaskFailed, "orchestrator", nil, nil)
		require.NoError(t, err)
		_, err = bus.Publish(ctx, model.EventTaskCompleted, "orchestrator", nil, nil)
		require.NoError(t, err)
		waitProcessed(t, bus, 2)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []model.EventType{model.EventTaskCompleted}, got)
	})

	t.Run("Source Filter", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		var mu sync.Mutex
		var sources []string
		bus.SubscribeFunc(func(_ context.Context, e model.Event) error {
			mu.Lock()
			defer mu.Unlock()
			sources = append(sources, e.Source)
			return nil
		}, WithSources("scheduler"))

		_, err := bus.Publish(ctx, model.EventSystemInfo, "orchestrator", nil, nil)
		require.NoError(t, err)
		_, err = bus.Publish(ctx, model.EventSystemInfo, "scheduler", nil, nil)
		require.NoError(t, err)
		waitProcessed(t, bus, 2)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"scheduler"}, sources)
	})

	t.Run("Handler Failures Are Isolated", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		var mu sync.Mutex
		delivered := 0
		bus.SubscribeFunc(func(context.Context, model.Event) error {
			return errors.New("boom")
		})
		bus.SubscribeFunc(func(context.Context, model.Event) error {
			panic("handler panic")
		})
		bus.SubscribeFunc(func(context.Context, model.Event) error {
			mu.Lock()
			defer mu.Unlock()
			delivered++
			return nil
		})

		for i := 0; i < 3; i++ {
			_, err := bus.Publish(ctx, model.EventSystemWarning, "test", nil, nil)
			require.NoError(t, err)
		}
		waitProcessed(t, bus, 3)

		mu.Lock()
		assert.Equal(t, 3, delivered)
		mu.Unlock()

		stats := bus.Statistics()
		assert.Equal(t, int64(3), stats.EventsPublished)
		assert.Equal(t, int64(6), stats.EventsFailed)
		assert.Equal(t, 3, stats.HandlersCount)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		id := bus.SubscribeFunc(func(context.Context, model.Event) error { return nil })
		assert.True(t, bus.Unsubscribe(id))
		assert.False(t, bus.Unsubscribe(id))
		assert.Equal(t, 0, bus.Statistics().HandlersCount)
	})

	t.Run("Queue Full", func(t *testing.T) {
		bus := New(Config{QueueSize: 2}, zap.NewNop(), nil)

		_, err := bus.Publish(ctx, model.EventSystemInfo, "test", nil, nil)
		require.NoError(t, err)
		_, err = bus.Publish(ctx, model.EventSystemInfo, "test", nil, nil)
		require.NoError(t, err)
		_, err = bus.Publish(ctx, model.EventSystemInfo, "test", nil, nil)
		assert.ErrorIs(t, err, ErrQueueFull)
	})

	t.Run("Publish After Stop", func(t *testing.T) {
		bus := New(Config{}, zap.NewNop(), nil)
		require.NoError(t, bus.Start(ctx))
		bus.Stop()

		_, err := bus.Publish(ctx, model.EventSystemInfo, "test", nil, nil)
		assert.ErrorIs(t, err, ErrBusClosed)
		assert.ErrorIs(t, bus.Start(ctx), ErrBusClosed)
	})

	t.Run("History Is Capped And Filtered", func(t *testing.T) {
		bus := newStartedBus(t, Config{HistorySize: 5})

		for i := 0; i < 8; i++ {
			eventType := model.EventScrapeCompleted
			if i%2 == 0 {
				eventType = model.EventScrapeFailed
			}
			_, err := bus.Publish(ctx, eventType, "orchestrator", map[string]interface{}{"i": i}, nil)
			require.NoError(t, err)
		}
		waitProcessed(t, bus, 8)

		all := bus.History(HistoryQuery{})
		require.Len(t, all, 5)
		assert.Equal(t, 3, all[0].Data["i"])
		assert.Equal(t, 7, all[4].Data["i"])

		failed := bus.History(HistoryQuery{Type: model.EventScrapeFailed})
		require.Len(t, failed, 2)
		assert.Equal(t, 4, failed[0].Data["i"])
		assert.Equal(t, 6, failed[1].Data["i"])

		last := bus.History(HistoryQuery{Limit: 1})
		require.Len(t, last, 1)
		assert.Equal(t, 7, last[0].Data["i"])

		assert.Empty(t, bus.History(HistoryQuery{Source: "scheduler"}))

		bus.ClearHistory()
		assert.Empty(t, bus.History(HistoryQuery{}))
	})

	t.Run("Events Are Delivered In Order", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		var mu sync.Mutex
		var seen []int
		bus.SubscribeFunc(func(_ context.Context, e model.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Data["seq"].(int))
			return nil
		})

		for i := 0; i < 20; i++ {
			_, err := bus.Publish(ctx, model.EventSystemInfo, "test", map[string]interface{}{"seq": i}, nil)
			require.NoError(t, err)
		}
		waitProcessed(t, bus, 20)

		mu.Lock()
		defer mu.Unlock()
		for i, v := range seen {
			assert.Equal(t, i, v)
		}
	})
}
