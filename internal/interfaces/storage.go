package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/recap/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrChunkClaimed is returned when a batch tries to claim a chunk another batch already owns
	ErrChunkClaimed = errors.New("chunk already assigned to a batch")

	// ErrBatchSuperseded is returned when a guarded write targets a batch that has been
	// reset, completed, or re-claimed since the writer started. Callers discard their results.
	ErrBatchSuperseded = errors.New("batch superseded")
)

// ChunkStorage - interface for captured chunk persistence
type ChunkStorage interface {
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	MarkChunkStatus(ctx context.Context, id string, status models.ChunkStatus) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error)
	FetchChunksForBatch(ctx context.Context, batchID string) ([]models.Chunk, error)

	// FetchUnprocessedChunks returns completed, unassigned, non-deleted chunks with
	// Start >= newerThan and End <= olderThan, ordered by Start
	FetchUnprocessedChunks(ctx context.Context, olderThan, newerThan time.Time) ([]models.Chunk, error)

	// FetchExpiredChunks returns non-deleted chunks that ended before the cutoff
	FetchExpiredChunks(ctx context.Context, before time.Time) ([]models.Chunk, error)
	SoftDeleteChunks(ctx context.Context, ids []string) error
}

// BatchStorage - interface for analysis batch persistence
type BatchStorage interface {
	// CreateBatch persists a pending batch and assigns every chunk to it in one transaction.
	// Returns ErrChunkClaimed (and writes nothing) if any chunk is already assigned.
	CreateBatch(ctx context.Context, start, end time.Time, chunkIDs []string) (string, error)
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus, reason string) error

	// ResetBatchStatuses sets the batches back to pending and bumps their revision,
	// superseding any in-flight analysis
	ResetBatchStatuses(ctx context.Context, ids []string) error

	// ClaimBatch moves a pending or processing batch to processing and bumps its revision.
	// Batches in a terminal status return ErrBatchSuperseded.
	ClaimBatch(ctx context.Context, id string) (*models.Batch, error)

	// CompleteBatch sets a terminal status if ref is still the current processing revision
	CompleteBatch(ctx context.Context, ref models.BatchRef, status models.BatchStatus, reason string) error

	FetchBatchesByStatus(ctx context.Context, statuses ...models.BatchStatus) ([]models.Batch, error)
	FetchBatchesInRange(ctx context.Context, start, end time.Time) ([]models.Batch, error)
}

// ObservationStorage - interface for transcription observation persistence
type ObservationStorage interface {
	// SaveObservations persists observations for the batch in ref, clamped into the batch window
	SaveObservations(ctx context.Context, ref models.BatchRef, observations []models.ObservationData, model string) ([]models.Observation, error)
	FetchObservationsByTimeRange(ctx context.Context, start, end time.Time) ([]models.Observation, error)
	FetchObservationsForBatch(ctx context.Context, batchID string) ([]models.Observation, error)
	DeleteObservations(ctx context.Context, batchIDs []string) (int, error)
}

// TimelineStorage - interface for timeline card persistence.
// Display reads go through range or day queries only; card IDs change on regeneration.
type TimelineStorage interface {
	FetchTimelineCardsByTimeRange(ctx context.Context, start, end time.Time) ([]models.TimelineCard, error)
	FetchTimelineCards(ctx context.Context, day string) ([]models.TimelineCard, error)

	// ReplaceTimelineCardsInRange atomically soft-deletes every active card intersecting
	// [start, end), inserts cards, and returns the media paths of the removed cards.
	// A non-zero ref makes the write conditional on the batch revision.
	ReplaceTimelineCardsInRange(ctx context.Context, start, end time.Time, cards []models.TimelineCard, ref models.BatchRef) (*models.ReplaceResult, error)

	// DeleteTimelineCards soft-deletes active cards last written by the batches
	DeleteTimelineCards(ctx context.Context, batchIDs []string) ([]string, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	ChunkStorage() ChunkStorage
	BatchStorage() BatchStorage
	ObservationStorage() ObservationStorage
	TimelineStorage() TimelineStorage
	DB() *badger.DB
	Close() error
}
