package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/analysis"
)

// Result summarises one retention sweep
type Result struct {
	Deleted        int `json:"deleted"`
	Skipped        int `json:"skipped"` // Chunks whose batch is still waiting for analysis
	FilesReclaimed int `json:"files_reclaimed"`
}

// Service soft-deletes chunks older than the retention period and removes their media files.
// Chunks of a batch that is still pending or processing are kept until the batch finishes.
type Service struct {
	chunks    interfaces.ChunkStorage
	batches   interfaces.BatchStorage
	reclaimer analysis.MediaReclaimer
	period    time.Duration
	logger    arbor.ILogger
}

// NewService creates the retention service
func NewService(storage interfaces.StorageManager, reclaimer analysis.MediaReclaimer, config *common.RetentionConfig, logger arbor.ILogger) *Service {
	return &Service{
		chunks:    storage.ChunkStorage(),
		batches:   storage.BatchStorage(),
		reclaimer: reclaimer,
		period:    common.ParseDurationOr(config.Period, 72*time.Hour),
		logger:    logger,
	}
}

// Sweep is the cron job handler
func (s *Service) Sweep(ctx context.Context) error {
	_, err := s.Run(ctx, time.Now())
	return err
}

// Run deletes every chunk that ended before now minus the retention period
func (s *Service) Run(ctx context.Context, now time.Time) (*Result, error) {
	cutoff := now.Add(-s.period)
	expired, err := s.chunks.FetchExpiredChunks(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expired chunks: %w", err)
	}

	result := &Result{}
	if len(expired) == 0 {
		return result, nil
	}

	open := make(map[string]bool)
	var ids, paths []string
	for _, chunk := range expired {
		if chunk.BatchID != "" {
			busy, seen := open[chunk.BatchID]
			if !seen {
				busy, err = s.batchOpen(ctx, chunk.BatchID)
				if err != nil {
					return nil, err
				}
				open[chunk.BatchID] = busy
			}
			if busy {
				result.Skipped++
				continue
			}
		}
		ids = append(ids, chunk.ID)
		paths = append(paths, chunk.Path)
	}

	if err := s.chunks.SoftDeleteChunks(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to delete expired chunks: %w", err)
	}
	result.Deleted = len(ids)
	if s.reclaimer != nil {
		result.FilesReclaimed = s.reclaimer.Reclaim(ctx, paths)
	}

	s.logger.Info().
		Str("cutoff", cutoff.Format(time.RFC3339)).
		Int("deleted", result.Deleted).
		Int("skipped", result.Skipped).
		Int("files_reclaimed", result.FilesReclaimed).
		Msg("Retention sweep completed")

	return result, nil
}

// batchOpen reports whether the batch still needs its media
func (s *Service) batchOpen(ctx context.Context, batchID string) (bool, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return batch.Status == models.BatchStatusPending || batch.Status == models.BatchStatusProcessing, nil
}
