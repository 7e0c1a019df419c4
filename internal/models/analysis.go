package models

import (
	"time"
)

// Category is one entry of the closed card category taxonomy
type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MediaSegment is one chunk file of an assembled payload
type MediaSegment struct {
	ChunkID string    `json:"chunk_id"`
	Path    string    `json:"path"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// MediaPayload is the batch media handed to a provider.
// Segments are ordered and lie within [Start, End).
type MediaPayload struct {
	BatchID  string         `json:"batch_id"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Segments []MediaSegment `json:"segments"`
}

// Duration returns the span of the payload
func (m *MediaPayload) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// TranscribeContext carries the batch identity into transcription
type TranscribeContext struct {
	BatchID    string    `json:"batch_id"`
	BatchStart time.Time `json:"batch_start"`
	BatchEnd   time.Time `json:"batch_end"`
}

// SummarizeContext is everything a provider needs to regenerate cards for a sliding window
type SummarizeContext struct {
	BatchID            string         `json:"batch_id"`
	BatchObservations  []Observation  `json:"batch_observations"`  // Observations of the current batch
	WindowObservations []Observation  `json:"window_observations"` // All observations in the window, including the batch
	ExistingCards      []TimelineCard `json:"existing_cards"`      // Active cards in the window, for merge/split decisions
	WindowStart        time.Time      `json:"window_start"`
	WindowEnd          time.Time      `json:"window_end"`
	Now                time.Time      `json:"now"` // No timestamps beyond this ceiling
	Categories         []Category     `json:"categories"`
}
