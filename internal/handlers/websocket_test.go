package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/events"
)

type staticStatus struct {
	status models.CaptureStatus
}

func (s staticStatus) Status() models.CaptureStatus { return s.status }

func dialWebSocket(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketSendsHelloAndCaptureStatus(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger, &common.WebSocketConfig{})
	handler.SetStatusSource(staticStatus{status: models.CaptureStatus{State: models.CaptureStateRecording, ChunksSaved: 4}})

	conn := dialWebSocket(t, handler)

	hello := readMessage(t, conn)
	assert.Equal(t, "hello", hello.Type)
	payload, ok := hello.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, handler.serverInstanceID, payload["server_instance_id"])

	status := readMessage(t, conn)
	assert.Equal(t, string(interfaces.EventCaptureStateChanged), status.Type)
	snapshot, ok := status.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "recording", snapshot["state"])
	assert.Equal(t, float64(4), snapshot["chunks_saved"])
}

func TestWebSocketForwardsPipelineEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{})
	conn := dialWebSocket(t, handler)
	readMessage(t, conn) // hello

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventBatchStatusChanged,
		Payload: map[string]interface{}{
			"batch_id": "bat_1",
			"status":   "failed",
			"reason":   "The AI provider could not be reached",
		},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, string(interfaces.EventBatchStatusChanged), msg.Type)
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "bat_1", payload["batch_id"])
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, 1, handler.ClientCount())
}

func TestThrottleKeepsFinalReprocessProgress(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "1h"})

	progress := func(done, total int) interfaces.Event {
		return interfaces.Event{
			Type:    interfaces.EventReprocessProgress,
			Payload: map[string]interface{}{"done": done, "total": total},
		}
	}

	assert.False(t, handler.throttled(progress(1, 5)), "first event passes")
	assert.True(t, handler.throttled(progress(2, 5)), "burst is dropped")
	assert.False(t, handler.throttled(progress(5, 5)), "completion is always delivered")

	assert.False(t, handler.throttled(interfaces.Event{Type: interfaces.EventBatchStatusChanged}))
	assert.False(t, handler.throttled(interfaces.Event{Type: interfaces.EventBatchStatusChanged}), "status changes are never throttled")
}

func TestInvalidThrottleIntervalDisablesThrottling(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "often"})
	assert.Nil(t, handler.throttlers)
	assert.False(t, handler.throttled(interfaces.Event{Type: interfaces.EventChunkSaved}))
	assert.False(t, handler.throttled(interfaces.Event{Type: interfaces.EventChunkSaved}))
}
