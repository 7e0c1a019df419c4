package interfaces

import (
	"context"

	"github.com/ternarybob/recap/internal/models"
)

// AnalysisProvider is the capability interface over interchangeable AI backends.
// Every variant returns a call log entry per attempt, even on error, and classifies
// errors as transient or permanent.
type AnalysisProvider interface {
	// Transcribe describes what happened in the batch media
	Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error)

	// Summarize regenerates timeline cards for a sliding window
	Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error)

	// Name returns the provider variant name
	Name() string

	// Close releases client resources
	Close() error
}

// AuditLogger persists provider call logs
type AuditLogger interface {
	LogCall(ctx context.Context, entry models.CallLog) error
	GetLogs(ctx context.Context, limit int) ([]models.CallLog, error)
	GetLogsForBatch(ctx context.Context, batchID string) ([]models.CallLog, error)
	Close() error
}
