package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// ObservationStorage implements the ObservationStorage interface for Badger
type ObservationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewObservationStorage creates a new ObservationStorage instance
func NewObservationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ObservationStorage {
	return &ObservationStorage{
		db:     db,
		logger: logger,
	}
}

// SaveObservations replaces the observations of the batch in ref with the given set.
// Intervals are clamped into the batch window; empty intervals are dropped.
// Replacing rather than appending keeps one set per batch when an analysis is redelivered.
func (s *ObservationStorage) SaveObservations(ctx context.Context, ref models.BatchRef, observations []models.ObservationData, model string) ([]models.Observation, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("batch reference is required")
	}

	var saved []models.Observation
	err := s.db.update(func(tx *badger.Txn) error {
		saved = saved[:0]

		batch, err := txCheckBatchRef(s.db, tx, ref)
		if err != nil {
			return err
		}

		if err := s.db.Store().TxDeleteMatching(tx, &models.Observation{}, badgerhold.Where("BatchID").Eq(ref.ID)); err != nil {
			return fmt.Errorf("failed to clear previous observations: %w", err)
		}

		now := time.Now()
		for _, data := range observations {
			start := common.ClampTime(data.Start, batch.Start, batch.End)
			end := common.ClampTime(data.End, batch.Start, batch.End)
			if !start.Before(end) {
				continue
			}
			obs := models.Observation{
				ID:        common.NewObservationID(),
				BatchID:   ref.ID,
				Start:     start,
				End:       end,
				Text:      data.Text,
				Model:     model,
				CreatedAt: now,
			}
			if err := s.db.Store().TxInsert(tx, obs.ID, obs); err != nil {
				return fmt.Errorf("failed to insert observation: %w", err)
			}
			saved = append(saved, obs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("batch_id", ref.ID).
		Int("received", len(observations)).
		Int("saved", len(saved)).
		Msg("Observations saved")

	return saved, nil
}

func (s *ObservationStorage) FetchObservationsByTimeRange(ctx context.Context, start, end time.Time) ([]models.Observation, error) {
	var observations []models.Observation
	query := badgerhold.Where("Start").Lt(end).And("End").Gt(start).SortBy("Start")
	if err := s.db.Store().Find(&observations, query); err != nil {
		return nil, fmt.Errorf("failed to fetch observations: %w", err)
	}
	return observations, nil
}

func (s *ObservationStorage) FetchObservationsForBatch(ctx context.Context, batchID string) ([]models.Observation, error) {
	var observations []models.Observation
	if err := s.db.Store().Find(&observations, badgerhold.Where("BatchID").Eq(batchID).SortBy("Start")); err != nil {
		return nil, fmt.Errorf("failed to fetch observations for batch: %w", err)
	}
	return observations, nil
}

func (s *ObservationStorage) DeleteObservations(ctx context.Context, batchIDs []string) (int, error) {
	if len(batchIDs) == 0 {
		return 0, nil
	}
	values := make([]interface{}, len(batchIDs))
	for i, id := range batchIDs {
		values[i] = id
	}

	var deleted int
	err := s.db.update(func(tx *badger.Txn) error {
		var observations []models.Observation
		if err := s.db.Store().TxFind(tx, &observations, badgerhold.Where("BatchID").In(values...)); err != nil {
			return fmt.Errorf("failed to find observations: %w", err)
		}
		for _, obs := range observations {
			if err := s.db.Store().TxDelete(tx, obs.ID, models.Observation{}); err != nil {
				return fmt.Errorf("failed to delete observation %s: %w", obs.ID, err)
			}
		}
		deleted = len(observations)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug().Int("batches", len(batchIDs)).Int("deleted", deleted).Msg("Observations deleted")
	return deleted, nil
}
