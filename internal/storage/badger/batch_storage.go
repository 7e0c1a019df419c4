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

// BatchStorage implements the BatchStorage interface for Badger
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

// CreateBatch inserts the batch and claims its chunks in the same transaction, so two
// concurrent batches can never both own a chunk.
func (s *BatchStorage) CreateBatch(ctx context.Context, start, end time.Time, chunkIDs []string) (string, error) {
	if !start.Before(end) {
		return "", fmt.Errorf("invalid batch interval: start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if len(chunkIDs) == 0 {
		return "", fmt.Errorf("batch requires at least one chunk")
	}

	now := time.Now()
	batch := models.Batch{
		ID:        common.NewBatchID(),
		Start:     start,
		End:       end,
		Status:    models.BatchStatusPending,
		ChunkIDs:  append([]string(nil), chunkIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.update(func(tx *badger.Txn) error {
		for _, id := range chunkIDs {
			var chunk models.Chunk
			if err := s.db.Store().TxGet(tx, id, &chunk); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("chunk %s: %w", id, interfaces.ErrNotFound)
				}
				return fmt.Errorf("failed to get chunk %s: %w", id, err)
			}
			if chunk.BatchID != "" {
				return fmt.Errorf("chunk %s owned by %s: %w", id, chunk.BatchID, interfaces.ErrChunkClaimed)
			}
			if chunk.Deleted {
				return fmt.Errorf("chunk %s is deleted", id)
			}
			if chunk.Start.Before(start) || chunk.End.After(end) {
				return fmt.Errorf("chunk %s [%s, %s) outside batch interval", id,
					chunk.Start.Format(time.RFC3339), chunk.End.Format(time.RFC3339))
			}
			chunk.BatchID = batch.ID
			if err := s.db.Store().TxUpdate(tx, id, chunk); err != nil {
				return fmt.Errorf("failed to assign chunk %s: %w", id, err)
			}
		}
		if err := s.db.Store().TxInsert(tx, batch.ID, batch); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug().
		Str("batch_id", batch.ID).
		Int("chunks", len(chunkIDs)).
		Str("start", start.Format(time.RFC3339)).
		Str("end", end.Format(time.RFC3339)).
		Msg("Batch created")

	return batch.ID, nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// UpdateBatchStatus sets the status unconditionally
func (s *BatchStorage) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus, reason string) error {
	return s.db.update(func(tx *badger.Txn) error {
		batch, err := s.txGetBatch(tx, id)
		if err != nil {
			return err
		}
		batch.Status = status
		batch.Reason = reason
		batch.UpdatedAt = time.Now()
		return s.txPutBatch(tx, batch)
	})
}

func (s *BatchStorage) ResetBatchStatuses(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.update(func(tx *badger.Txn) error {
		for _, id := range ids {
			batch, err := s.txGetBatch(tx, id)
			if err != nil {
				return err
			}
			batch.Status = models.BatchStatusPending
			batch.Reason = ""
			batch.Revision++
			batch.UpdatedAt = time.Now()
			if err := s.txPutBatch(tx, batch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Int("count", len(ids)).Msg("Batches reset to pending")
	return nil
}

func (s *BatchStorage) ClaimBatch(ctx context.Context, id string) (*models.Batch, error) {
	var claimed *models.Batch
	err := s.db.update(func(tx *badger.Txn) error {
		batch, err := s.txGetBatch(tx, id)
		if err != nil {
			return err
		}
		if batch.Status.IsTerminal() {
			return fmt.Errorf("batch %s already %s: %w", id, batch.Status, interfaces.ErrBatchSuperseded)
		}
		batch.Status = models.BatchStatusProcessing
		batch.Reason = ""
		batch.Revision++
		batch.UpdatedAt = time.Now()
		if err := s.txPutBatch(tx, batch); err != nil {
			return err
		}
		claimed = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BatchStorage) CompleteBatch(ctx context.Context, ref models.BatchRef, status models.BatchStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete requires a terminal status, got %s", status)
	}
	return s.db.update(func(tx *badger.Txn) error {
		batch, err := txCheckBatchRef(s.db, tx, ref)
		if err != nil {
			return err
		}
		batch.Status = status
		batch.Reason = reason
		batch.UpdatedAt = time.Now()
		return s.txPutBatch(tx, batch)
	})
}

func (s *BatchStorage) FetchBatchesByStatus(ctx context.Context, statuses ...models.BatchStatus) ([]models.Batch, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]interface{}, len(statuses))
	for i, status := range statuses {
		values[i] = status
	}

	var batches []models.Batch
	if err := s.db.Store().Find(&batches, badgerhold.Where("Status").In(values...).SortBy("Start")); err != nil {
		return nil, fmt.Errorf("failed to fetch batches by status: %w", err)
	}
	return batches, nil
}

func (s *BatchStorage) FetchBatchesInRange(ctx context.Context, start, end time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	query := badgerhold.Where("Start").Lt(end).And("End").Gt(start).SortBy("Start")
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to fetch batches in range: %w", err)
	}
	return batches, nil
}

func (s *BatchStorage) txGetBatch(tx *badger.Txn, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().TxGet(tx, id, &batch); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	return &batch, nil
}

func (s *BatchStorage) txPutBatch(tx *badger.Txn, batch *models.Batch) error {
	if err := s.db.Store().TxUpdate(tx, batch.ID, *batch); err != nil {
		return fmt.Errorf("failed to update batch %s: %w", batch.ID, err)
	}
	return nil
}

// txCheckBatchRef loads the batch and verifies the writer still owns its current processing revision
func txCheckBatchRef(db *BadgerDB, tx *badger.Txn, ref models.BatchRef) (*models.Batch, error) {
	var batch models.Batch
	if err := db.Store().TxGet(tx, ref.ID, &batch); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("batch %s deleted: %w", ref.ID, interfaces.ErrBatchSuperseded)
		}
		return nil, fmt.Errorf("failed to get batch %s: %w", ref.ID, err)
	}
	if batch.Status != models.BatchStatusProcessing || batch.Revision != ref.Revision {
		return nil, fmt.Errorf("batch %s is %s at revision %d, writer holds revision %d: %w",
			ref.ID, batch.Status, batch.Revision, ref.Revision, interfaces.ErrBatchSuperseded)
	}
	return &batch, nil
}
