package models

import (
	"time"
)

// Observation is an AI-produced description of a sub-interval of a batch.
// Immutable once written; deleted only alongside its batch during reprocessing.
type Observation struct {
	ID        string    `json:"id" badgerhold:"key"`
	BatchID   string    `json:"batch_id" badgerhold:"index"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// ObservationData is a provider transcription result before it is persisted
type ObservationData struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtfield=Start"`
	Text  string    `json:"text" validate:"required"`
}
