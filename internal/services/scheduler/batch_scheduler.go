package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/analysis"
)

// ErrReprocessBusy is returned when a reprocess run is requested while another is in progress
var ErrReprocessBusy = errors.New("a reprocess run is already in progress")

// Enqueuer hands batches to the analysis queue. Implemented by queue.BadgerManager.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage, dedupID string) (bool, error)
}

// BatchProcessor analyses one batch synchronously. Implemented by analysis.Coordinator.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string) error
}

// ProgressFunc receives reprocess progress after each batch
type ProgressFunc func(done, total int, batchID string, err error)

// BatchConfig controls batch formation
type BatchConfig struct {
	Lookback     time.Duration
	Target       time.Duration
	Minimum      time.Duration
	MaxGap       time.Duration
	StaleAfter   time.Duration
	DayStartHour int
}

// NewBatchConfig builds the batch config from the application config
func NewBatchConfig(cfg *common.Config) BatchConfig {
	return BatchConfig{
		Lookback:     common.ParseDurationOr(cfg.Scheduler.Lookback, 24*time.Hour),
		Target:       common.ParseDurationOr(cfg.Scheduler.Target, 15*time.Minute),
		Minimum:      common.ParseDurationOr(cfg.Scheduler.Minimum, 5*time.Minute),
		MaxGap:       common.ParseDurationOr(cfg.Scheduler.MaxGap, 2*time.Minute),
		StaleAfter:   common.ParseDurationOr(cfg.Scheduler.StaleAfter, 30*time.Minute),
		DayStartHour: cfg.Timeline.DayStartHour,
	}
}

// TickResult summarises one scheduler tick
type TickResult struct {
	Created    []string `json:"created"`
	Dispatched int      `json:"dispatched"`
	Pending    int      `json:"pending_chunks"` // Unassigned chunks left for a later tick
}

// BatchScheduler groups unprocessed chunks into batches and dispatches them for analysis.
// It also owns reprocess runs, of which at most one executes at a time.
type BatchScheduler struct {
	chunks       interfaces.ChunkStorage
	batches      interfaces.BatchStorage
	observations interfaces.ObservationStorage
	timeline     interfaces.TimelineStorage
	queue        Enqueuer
	processor    BatchProcessor
	reclaimer    analysis.MediaReclaimer
	eventService interfaces.EventService
	config       BatchConfig
	logger       arbor.ILogger
	reprocessing atomic.Bool

	ownedMu sync.Mutex
	owned   map[string]struct{} // Batches held by the active reprocess run
}

// NewBatchScheduler creates a batch scheduler
func NewBatchScheduler(
	storage interfaces.StorageManager,
	queue Enqueuer,
	processor BatchProcessor,
	reclaimer analysis.MediaReclaimer,
	eventService interfaces.EventService,
	config BatchConfig,
	logger arbor.ILogger,
) *BatchScheduler {
	return &BatchScheduler{
		chunks:       storage.ChunkStorage(),
		batches:      storage.BatchStorage(),
		observations: storage.ObservationStorage(),
		timeline:     storage.TimelineStorage(),
		queue:        queue,
		processor:    processor,
		reclaimer:    reclaimer,
		eventService: eventService,
		config:       config,
		logger:       logger,
	}
}

// Tick is the cron job handler
func (s *BatchScheduler) Tick(ctx context.Context) error {
	_, err := s.RunOnce(ctx, time.Now())
	return err
}

// RunOnce forms batches from the chunks that ended before now and dispatches every
// pending batch plus any processing batch that has gone stale.
func (s *BatchScheduler) RunOnce(ctx context.Context, now time.Time) (*TickResult, error) {
	result := &TickResult{}

	chunks, err := s.chunks.FetchUnprocessedChunks(ctx, now, now.Add(-s.config.Lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed chunks: %w", err)
	}

	groups, leftover := groupChunks(chunks, s.config, now)
	result.Pending = leftover

	for _, group := range groups {
		ids := make([]string, len(group))
		for i, c := range group {
			ids[i] = c.ID
		}
		start, end := group[0].Start, group[len(group)-1].End

		batchID, err := s.batches.CreateBatch(ctx, start, end, ids)
		if err != nil {
			if errors.Is(err, interfaces.ErrChunkClaimed) {
				s.logger.Debug().Str("start", start.Format(time.RFC3339)).Msg("Chunks already claimed, skipping group")
				continue
			}
			return result, fmt.Errorf("failed to create batch: %w", err)
		}
		result.Created = append(result.Created, batchID)

		s.logger.Info().
			Str("batch_id", batchID).
			Str("start", start.Format(time.RFC3339)).
			Str("end", end.Format(time.RFC3339)).
			Int("chunks", len(ids)).
			Msg("Batch created")
		s.publishStatus(ctx, batchID, start, end)
	}

	dispatched, err := s.dispatch(ctx, now)
	result.Dispatched = dispatched
	if err != nil {
		return result, err
	}

	if len(result.Created) > 0 || dispatched > 0 {
		s.logger.Debug().
			Int("created", len(result.Created)).
			Int("dispatched", dispatched).
			Int("pending_chunks", leftover).
			Msg("Scheduler tick completed")
	}
	return result, nil
}

// dispatch enqueues pending batches and processing batches untouched for longer than StaleAfter.
// The queue deduplicates by batch ID, so batches already queued are not duplicated.
func (s *BatchScheduler) dispatch(ctx context.Context, now time.Time) (int, error) {
	batches, err := s.batches.FetchBatchesByStatus(ctx, models.BatchStatusPending, models.BatchStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open batches: %w", err)
	}

	dispatched := 0
	for _, b := range batches {
		if b.Status == models.BatchStatusProcessing && now.Sub(b.UpdatedAt) < s.config.StaleAfter {
			continue
		}
		if s.isOwned(b.ID) {
			continue
		}

		enqueued, err := s.queue.Enqueue(ctx, models.QueueMessage{
			BatchID: b.ID,
			Type:    models.MessageTypeAnalyzeBatch,
		}, b.ID)
		if err != nil {
			return dispatched, fmt.Errorf("failed to enqueue batch %s: %w", b.ID, err)
		}
		if !enqueued {
			continue
		}
		dispatched++

		if b.Status == models.BatchStatusProcessing {
			s.logger.Warn().
				Str("batch_id", b.ID).
				Str("updated_at", b.UpdatedAt.Format(time.RFC3339)).
				Msg("Re-dispatching stale batch")
		}
	}
	return dispatched, nil
}

// groupChunks splits chunks (ordered by Start) into batch candidates. A candidate closes when
// the next chunk starts more than MaxGap after it, or would stretch it past Target. The last
// candidate may still be growing: it closes only once it spans Target or nothing has been
// recorded for MaxGap before now. Only closed candidates covering at least Minimum are
// returned; the count of chunks left behind is returned alongside.
func groupChunks(chunks []models.Chunk, cfg BatchConfig, now time.Time) ([][]models.Chunk, int) {
	var candidates [][]models.Chunk
	var current []models.Chunk

	for _, c := range chunks {
		if len(current) > 0 {
			first, last := current[0], current[len(current)-1]
			if c.Start.Sub(last.End) > cfg.MaxGap || c.End.Sub(first.Start) > cfg.Target {
				candidates = append(candidates, current)
				current = nil
			}
		}
		current = append(current, c)
	}
	leftover := 0
	if len(current) > 0 {
		first, last := current[0], current[len(current)-1]
		if last.End.Sub(first.Start) >= cfg.Target || now.Sub(last.End) > cfg.MaxGap {
			candidates = append(candidates, current)
		} else {
			leftover += len(current)
		}
	}

	var groups [][]models.Chunk
	for _, candidate := range candidates {
		if coveredDuration(candidate) >= cfg.Minimum {
			groups = append(groups, candidate)
		} else {
			leftover += len(candidate)
		}
	}
	return groups, leftover
}

func coveredDuration(chunks []models.Chunk) time.Duration {
	var total time.Duration
	for _, c := range chunks {
		total += c.Duration()
	}
	return total
}

// StartReprocessDay resets every batch overlapping the day and reanalyses them in the
// background. Returns the number of batches scheduled, or ErrReprocessBusy.
func (s *BatchScheduler) StartReprocessDay(ctx context.Context, day string) (int, error) {
	ids, err := s.batchesForDay(ctx, day)
	if err != nil {
		return 0, err
	}
	return len(ids), s.StartReprocessBatches(ctx, ids)
}

// StartReprocessBatches reanalyses the batches in the background. The busy check happens
// before returning so callers can report a conflict.
func (s *BatchScheduler) StartReprocessBatches(ctx context.Context, ids []string) error {
	if !s.reprocessing.CompareAndSwap(false, true) {
		return ErrReprocessBusy
	}

	runCtx := context.WithoutCancel(ctx)
	common.SafeGo(s.logger, "reprocess", func() {
		defer s.reprocessing.Store(false)
		if err := s.reprocess(runCtx, ids, nil); err != nil {
			s.logger.Error().Err(err).Int("batches", len(ids)).Msg("Reprocess run failed")
		}
	})
	return nil
}

// ReprocessDay resets and reanalyses every batch overlapping the day, blocking until done
func (s *BatchScheduler) ReprocessDay(ctx context.Context, day string, progress ProgressFunc) error {
	ids, err := s.batchesForDay(ctx, day)
	if err != nil {
		return err
	}
	return s.ReprocessBatches(ctx, ids, progress)
}

func (s *BatchScheduler) batchesForDay(ctx context.Context, day string) ([]string, error) {
	start, end, err := common.DayRange(day, s.config.DayStartHour)
	if err != nil {
		return nil, err
	}
	batches, err := s.batches.FetchBatchesInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batches for day: %w", err)
	}
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	return ids, nil
}

// ReprocessBatches resets and reanalyses the batches one at a time, blocking until done.
// Failures of individual batches are reported through progress and do not stop the run.
func (s *BatchScheduler) ReprocessBatches(ctx context.Context, ids []string, progress ProgressFunc) error {
	if !s.reprocessing.CompareAndSwap(false, true) {
		return ErrReprocessBusy
	}
	defer s.reprocessing.Store(false)
	return s.reprocess(ctx, ids, progress)
}

// IsReprocessing reports whether a reprocess run is active
func (s *BatchScheduler) IsReprocessing() bool {
	return s.reprocessing.Load()
}

func (s *BatchScheduler) reprocess(ctx context.Context, ids []string, progress ProgressFunc) error {
	if len(ids) == 0 {
		return nil
	}

	s.logger.Info().Int("batches", len(ids)).Msg("Reprocess run started")

	// Ticks must not dispatch these while they wait their turn
	s.own(ids)
	defer s.own(nil)

	if err := s.batches.ResetBatchStatuses(ctx, ids); err != nil {
		return fmt.Errorf("failed to reset batches: %w", err)
	}
	deletedObs, err := s.observations.DeleteObservations(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to delete observations: %w", err)
	}
	mediaPaths, err := s.timeline.DeleteTimelineCards(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to delete timeline cards: %w", err)
	}
	if s.reclaimer != nil {
		s.reclaimer.Reclaim(ctx, mediaPaths)
	}

	s.logger.Debug().
		Int("observations_deleted", deletedObs).
		Int("media_reclaimed", len(mediaPaths)).
		Msg("Cleared previous analysis")

	failed := 0
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.processor.ProcessBatch(ctx, id)
		if err == nil {
			if batch, getErr := s.batches.GetBatch(ctx, id); getErr == nil && batch.Status == models.BatchStatusFailed {
				err = errors.New(batch.Reason)
			}
		}
		if err != nil {
			failed++
			s.logger.Warn().Str("batch_id", id).Err(err).Msg("Reprocess of batch failed")
		}

		if progress != nil {
			progress(i+1, len(ids), id, err)
		}
		s.publishProgress(ctx, i+1, len(ids), id, err)
	}

	s.logger.Info().
		Int("batches", len(ids)).
		Int("failed", failed).
		Msg("Reprocess run completed")
	return nil
}

func (s *BatchScheduler) own(ids []string) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	s.owned = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.owned[id] = struct{}{}
	}
}

func (s *BatchScheduler) isOwned(id string) bool {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	_, ok := s.owned[id]
	return ok
}

func (s *BatchScheduler) publishStatus(ctx context.Context, batchID string, start, end time.Time) {
	if s.eventService == nil {
		return
	}
	_ = s.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchStatusChanged,
		Payload: map[string]interface{}{
			"batch_id": batchID,
			"status":   string(models.BatchStatusPending),
			"reason":   "",
			"start":    start,
			"end":      end,
		},
	})
}

func (s *BatchScheduler) publishProgress(ctx context.Context, done, total int, batchID string, err error) {
	if s.eventService == nil {
		return
	}
	payload := map[string]interface{}{
		"done":     done,
		"total":    total,
		"batch_id": batchID,
		"error":    "",
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	_ = s.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventReprocessProgress,
		Payload: payload,
	})
}
