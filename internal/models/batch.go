package models

import (
	"time"
)

// BatchStatus is the analysis state of a batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusAnalyzed   BatchStatus = "analyzed"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsTerminal returns true when no further analysis is expected for the status
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusAnalyzed || s == BatchStatusFailed
}

// Batch is a time window aggregating one or more chunks for analysis.
// Start < End and every member chunk lies within [Start, End).
// Revision is bumped on every claim and every reset; writes carry the revision
// they were started under so results of a superseded analysis are discarded.
type Batch struct {
	ID        string      `json:"id" badgerhold:"key"`
	Start     time.Time   `json:"start"`
	End       time.Time   `json:"end"`
	Status    BatchStatus `json:"status" badgerhold:"index"`
	Reason    string      `json:"reason,omitempty"` // Human readable failure reason
	ChunkIDs  []string    `json:"chunk_ids"`
	Revision  int         `json:"revision"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Ref returns the guard reference for writes made on behalf of this batch revision
func (b *Batch) Ref() BatchRef {
	return BatchRef{ID: b.ID, Revision: b.Revision}
}

// BatchRef identifies one analysis attempt of a batch.
// An empty ref means the write is unguarded.
type BatchRef struct {
	ID       string `json:"id"`
	Revision int    `json:"revision"`
}

// IsZero returns true for an unguarded reference
func (r BatchRef) IsZero() bool {
	return r.ID == ""
}
