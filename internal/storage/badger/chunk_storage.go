package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// ChunkStorage implements the ChunkStorage interface for Badger
type ChunkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChunkStorage creates a new ChunkStorage instance
func NewChunkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ChunkStorage {
	return &ChunkStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ChunkStorage) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	if chunk == nil {
		return fmt.Errorf("chunk is required")
	}
	if !chunk.Start.Before(chunk.End) {
		return fmt.Errorf("invalid chunk interval: start %s is not before end %s",
			chunk.Start.Format(time.RFC3339), chunk.End.Format(time.RFC3339))
	}
	if chunk.ID == "" {
		chunk.ID = common.NewChunkID()
	}
	if chunk.Status == "" {
		chunk.Status = models.ChunkStatusPending
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	if err := s.db.Store().Insert(chunk.ID, *chunk); err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	s.logger.Trace().
		Str("chunk_id", chunk.ID).
		Str("status", string(chunk.Status)).
		Dur("duration", chunk.Duration()).
		Msg("Chunk inserted")
	return nil
}

func (s *ChunkStorage) MarkChunkStatus(ctx context.Context, id string, status models.ChunkStatus) error {
	return s.db.update(func(tx *badger.Txn) error {
		var chunk models.Chunk
		if err := s.db.Store().TxGet(tx, id, &chunk); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("chunk %s: %w", id, interfaces.ErrNotFound)
			}
			return fmt.Errorf("failed to get chunk: %w", err)
		}
		chunk.Status = status
		if err := s.db.Store().TxUpdate(tx, id, chunk); err != nil {
			return fmt.Errorf("failed to update chunk status: %w", err)
		}
		return nil
	})
}

func (s *ChunkStorage) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	var chunk models.Chunk
	if err := s.db.Store().Get(id, &chunk); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("chunk %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &chunk, nil
}

// GetChunks returns the chunks in the order of ids
func (s *ChunkStorage) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	chunks := make([]models.Chunk, 0, len(ids))
	err := s.db.view(func(tx *badger.Txn) error {
		for _, id := range ids {
			var chunk models.Chunk
			if err := s.db.Store().TxGet(tx, id, &chunk); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("chunk %s: %w", id, interfaces.ErrNotFound)
				}
				return fmt.Errorf("failed to get chunk %s: %w", id, err)
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *ChunkStorage) FetchUnprocessedChunks(ctx context.Context, olderThan, newerThan time.Time) ([]models.Chunk, error) {
	query := badgerhold.Where("Status").Eq(models.ChunkStatusCompleted).
		And("BatchID").Eq("").
		And("Deleted").Eq(false).
		And("Start").Ge(newerThan).
		And("End").Le(olderThan).
		SortBy("Start")

	var chunks []models.Chunk
	if err := s.db.Store().Find(&chunks, query); err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed chunks: %w", err)
	}
	return chunks, nil
}

// FetchChunksForBatch returns the chunks assigned to a batch, ordered by Start
func (s *ChunkStorage) FetchChunksForBatch(ctx context.Context, batchID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	if err := s.db.Store().Find(&chunks, badgerhold.Where("BatchID").Eq(batchID).SortBy("Start")); err != nil {
		return nil, fmt.Errorf("failed to fetch chunks for batch: %w", err)
	}
	return chunks, nil
}

func (s *ChunkStorage) FetchExpiredChunks(ctx context.Context, before time.Time) ([]models.Chunk, error) {
	query := badgerhold.Where("End").Lt(before).
		And("Deleted").Eq(false).
		SortBy("Start")

	var chunks []models.Chunk
	if err := s.db.Store().Find(&chunks, query); err != nil {
		return nil, fmt.Errorf("failed to fetch expired chunks: %w", err)
	}
	return chunks, nil
}

func (s *ChunkStorage) SoftDeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return s.db.update(func(tx *badger.Txn) error {
		for _, id := range ids {
			var chunk models.Chunk
			if err := s.db.Store().TxGet(tx, id, &chunk); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					continue
				}
				return fmt.Errorf("failed to get chunk %s: %w", id, err)
			}
			if chunk.Deleted {
				continue
			}
			chunk.Deleted = true
			chunk.DeletedAt = &now
			if err := s.db.Store().TxUpdate(tx, id, chunk); err != nil {
				return fmt.Errorf("failed to delete chunk %s: %w", id, err)
			}
		}
		return nil
	})
}
