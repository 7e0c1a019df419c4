package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// AllEventTypes lists every event the system publishes
var AllEventTypes = []interfaces.EventType{
	interfaces.EventBatchStatusChanged,
	interfaces.EventCaptureStateChanged,
	interfaces.EventCaptureError,
	interfaces.EventChunkSaved,
	interfaces.EventReprocessProgress,
	interfaces.EventTimelineUpdated,
}

// payloadStrings are the map payload keys copied onto the log line when present
var payloadStrings = []string{"batch_id", "status", "reason", "day", "chunk_id", "error"}

// NewLoggerSubscriber creates an event handler that writes each event to the debug log
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		line := logger.Debug().Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case models.CaptureStatus:
			line = line.Str("state", string(payload.State)).Int("chunks_saved", payload.ChunksSaved)
			if payload.PauseReason != "" {
				line = line.Str("pause_reason", payload.PauseReason)
			}
		case map[string]interface{}:
			for _, key := range payloadStrings {
				if v, ok := payload[key].(string); ok && v != "" {
					line = line.Str(key, v)
				}
			}
			if done, ok := payload["done"].(int); ok {
				line = line.Int("done", done)
			}
			if total, ok := payload["total"].(int); ok {
				line = line.Int("total", total)
			}
		case string:
			line = line.Str("payload", payload)
		}

		line.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents attaches the logging subscriber to every event type
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)
	for _, eventType := range AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to %s: %w", eventType, err)
		}
	}
	logger.Debug().Int("event_types", len(AllEventTypes)).Msg("Event logging enabled")
	return nil
}
