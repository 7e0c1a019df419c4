package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Queue message types
const (
	MessageTypeAnalyzeBatch = "analyze_batch"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the work.
type QueueMessage struct {
	BatchID string          `json:"batch_id"` // References batches.id, also the dedup key
	Type    string          `json:"type"`     // Message type for handler routing
	Payload json.RawMessage `json:"payload,omitempty"`
}
