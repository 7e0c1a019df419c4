package models

import (
	"time"
)

// CallOperation names the provider operation that was called
type CallOperation string

const (
	CallOperationTranscribe CallOperation = "transcribe"
	CallOperationSummarize  CallOperation = "summarize"
)

// CallLog records one provider call attempt
type CallLog struct {
	ID           string        `json:"id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Operation    CallOperation `json:"operation"`
	BatchID      string        `json:"batch_id"`
	Attempt      int           `json:"attempt"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorClass   string        `json:"error_class,omitempty"` // "transient" or "permanent"
	Error        string        `json:"error,omitempty"`
	RequestSize  int           `json:"request_size"`
	ResponseSize int           `json:"response_size"`
	Request      string        `json:"request,omitempty"`
	Response     string        `json:"response,omitempty"`
}
