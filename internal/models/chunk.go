// -----------------------------------------------------------------------
// Chunk - fixed duration capture segment
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// ChunkStatus is the lifecycle state of a captured chunk
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"   // Segment opened, file still being written
	ChunkStatusCompleted ChunkStatus = "completed" // Segment closed cleanly, eligible for batching
	ChunkStatusFailed    ChunkStatus = "failed"    // Segment could not be finalized
)

// Chunk is a contiguous unit of captured media.
// Chunks of one capture stream never overlap and are gapless except across pause boundaries.
// BatchID is empty until the scheduler claims the chunk; a claimed chunk is never offered again.
type Chunk struct {
	ID        string      `json:"id" badgerhold:"key"`
	Start     time.Time   `json:"start"`
	End       time.Time   `json:"end"` // Exclusive
	Path      string      `json:"path"`
	Status    ChunkStatus `json:"status" badgerhold:"index"`
	BatchID   string      `json:"batch_id,omitempty" badgerhold:"index"`
	Deleted   bool        `json:"deleted"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Duration returns the covered duration of the chunk
func (c Chunk) Duration() time.Duration {
	return c.End.Sub(c.Start)
}
