package models

import (
	"time"
)

// CaptureState is a state of the capture lifecycle
type CaptureState string

const (
	CaptureStateIdle      CaptureState = "idle"
	CaptureStateStarting  CaptureState = "starting"
	CaptureStateRecording CaptureState = "recording"
	CaptureStateFinishing CaptureState = "finishing"
	CaptureStatePaused    CaptureState = "paused"
)

// CaptureStatus is a point in time snapshot of the capture engine
type CaptureStatus struct {
	State        CaptureState `json:"state"`
	SegmentStart *time.Time   `json:"segment_start,omitempty"`
	ChunksSaved  int          `json:"chunks_saved"`
	RetryAttempt int          `json:"retry_attempt"`
	PauseReason  string       `json:"pause_reason,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
