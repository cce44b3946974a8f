package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/crawl-control/internal/model"
	"github.com/t77yq/crawl-control/internal/testutil"
)

func TestNATSBridge(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("Forwards Between Processes", func(t *testing.T) {
		busA := newStartedBus(t, Config{})
		busB := newStartedBus(t, Config{})

		bridgeA, err := NewNATSBridge(js, busA, BridgeConfig{
			Forward: []model.EventType{model.EventChangeDetected},
		}, logger)
		require.NoError(t, err)
		bridgeB, err := NewNATSBridge(js, busB, BridgeConfig{
			Ingest: []model.EventType{model.EventChangeDetected},
		}, logger)
		require.NoError(t, err)
		require.NoError(t, testutil.WaitForStream(t, js, defaultStreamName, 5*time.Second))

		require.NoError(t, bridgeB.Start(ctx))
		defer bridgeB.Stop()
		require.NoError(t, bridgeA.Start(ctx))
		defer bridgeA.Stop()

		_, err = busA.Publish(ctx, model.EventChangeDetected, "change-detector", map[string]interface{}{
			"url": "https://example.com",
		}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(busB.History(HistoryQuery{Type: model.EventChangeDetected})) == 1
		}, 5*time.Second, 20*time.Millisecond)

		got := busB.History(HistoryQuery{Type: model.EventChangeDetected})[0]
		assert.Equal(t, "change-detector", got.Source)
		assert.Equal(t, "https://example.com", got.Data["url"])
		assert.Contains(t, got.Metadata, ingestedFromKey)
	})

	t.Run("Ignores Own Events", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		bridge, err := NewNATSBridge(js, bus, BridgeConfig{
			Forward: []model.EventType{model.EventSystemWarning},
			Ingest:  []model.EventType{model.EventSystemWarning},
		}, logger)
		require.NoError(t, err)
		require.NoError(t, bridge.Start(ctx))
		defer bridge.Stop()

		_, err = bus.Publish(ctx, model.EventSystemWarning, "monitor", nil, nil)
		require.NoError(t, err)

		waitProcessed(t, bus, 1)
		time.Sleep(200 * time.Millisecond)
		assert.Len(t, bus.History(HistoryQuery{Type: model.EventSystemWarning}), 1)
	})

	t.Run("Ingests External Publishers", func(t *testing.T) {
		bus := newStartedBus(t, Config{})

		bridge, err := NewNATSBridge(js, bus, BridgeConfig{
			Ingest: []model.EventType{model.EventSystemInfo},
		}, logger)
		require.NoError(t, err)
		require.NoError(t, bridge.Start(ctx))
		defer bridge.Stop()

		data, err := json.Marshal(model.Event{
			ID:     "remote-1",
			Type:   model.EventSystemInfo,
			Source: "external",
			Data:   map[string]interface{}{"msg": "hello"},
		})
		require.NoError(t, err)
		_, err = js.Publish(bridge.Subject(model.EventSystemInfo), data)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(bus.History(HistoryQuery{Source: "external"})) == 1
		}, 5*time.Second, 20*time.Millisecond)

		got := bus.History(HistoryQuery{Source: "external"})[0]
		assert.Equal(t, "remote-1", got.Metadata["remote_event_id"])
		assert.Equal(t, "hello", got.Data["msg"])
	})
}
