package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventBatchStatusChanged is published whenever a batch changes status.
	// Payload: map[string]interface{} with batch_id, status, reason, start, end
	EventBatchStatusChanged EventType = "batch_status_changed"

	// EventCaptureStateChanged is published on every capture state transition.
	// Payload: models.CaptureStatus
	EventCaptureStateChanged EventType = "capture_state_changed"

	// EventCaptureError is published when the capture engine surfaces a permanent error
	EventCaptureError EventType = "capture_error"

	// EventChunkSaved is published when a chunk record is written
	EventChunkSaved EventType = "chunk_saved"

	// EventReprocessProgress is published after each batch of a reprocess run.
	// Payload: map[string]interface{} with done, total, batch_id, error
	EventReprocessProgress EventType = "reprocess_progress"

	// EventTimelineUpdated is published after cards in a range were replaced
	EventTimelineUpdated EventType = "timeline_updated"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
