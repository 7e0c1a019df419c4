package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/llm"
)

const (
	// ErrorCardCategory is the category of cards written for failed batches
	ErrorCardCategory = "System"
	errorCardTitle    = "Processing failed"
)

// Config controls the sliding window analysis
type Config struct {
	Window     time.Duration
	Categories []models.Category
}

// NewConfig builds the coordinator config from the application config
func NewConfig(cfg *common.Config) Config {
	categories := make([]models.Category, 0, len(cfg.Analysis.Categories))
	for _, c := range cfg.Analysis.Categories {
		categories = append(categories, models.Category{Name: c.Name, Description: c.Description})
	}
	return Config{
		Window:     common.ParseDurationOr(cfg.Analysis.Window, time.Hour),
		Categories: categories,
	}
}

// Coordinator drives one batch through transcription, sliding window summarization and
// card replacement. It is safe for concurrent use by the worker pool.
type Coordinator struct {
	chunks       interfaces.ChunkStorage
	batches      interfaces.BatchStorage
	observations interfaces.ObservationStorage
	timeline     interfaces.TimelineStorage
	provider     interfaces.AnalysisProvider
	audit        interfaces.AuditLogger
	eventService interfaces.EventService
	assembler    MediaAssembler
	reclaimer    MediaReclaimer
	windowLock   *common.RangeLock
	config       Config
	logger       arbor.ILogger
	now          func() time.Time
}

// NewCoordinator creates an analysis coordinator
func NewCoordinator(
	storage interfaces.StorageManager,
	provider interfaces.AnalysisProvider,
	audit interfaces.AuditLogger,
	eventService interfaces.EventService,
	assembler MediaAssembler,
	reclaimer MediaReclaimer,
	config Config,
	logger arbor.ILogger,
) *Coordinator {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &Coordinator{
		chunks:       storage.ChunkStorage(),
		batches:      storage.BatchStorage(),
		observations: storage.ObservationStorage(),
		timeline:     storage.TimelineStorage(),
		provider:     provider,
		audit:        audit,
		eventService: eventService,
		assembler:    assembler,
		reclaimer:    reclaimer,
		windowLock:   common.NewRangeLock(),
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// HandleMessage is the queue handler for analyze_batch messages
func (c *Coordinator) HandleMessage(ctx context.Context, msg *models.QueueMessage) error {
	if msg.Type != models.MessageTypeAnalyzeBatch {
		return fmt.Errorf("unsupported message type: %s", msg.Type)
	}
	return c.ProcessBatch(ctx, msg.BatchID)
}

// ProcessBatch analyses one batch end to end.
//
// A nil return means the batch reached a terminal status, or was superseded by a reset and
// its results were discarded. A non-nil return is a storage failure or cancellation; the batch
// stays claimed and the queue redelivers it.
func (c *Coordinator) ProcessBatch(ctx context.Context, batchID string) error {
	batch, err := c.batches.ClaimBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, interfaces.ErrBatchSuperseded) || errors.Is(err, interfaces.ErrNotFound) {
			c.logger.Debug().Str("batch_id", batchID).Err(err).Msg("Skipping batch that is no longer claimable")
			return nil
		}
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	ref := batch.Ref()
	c.publishStatus(ctx, batch, models.BatchStatusProcessing, "")

	started := time.Now()
	c.logger.Info().
		Str("batch_id", batch.ID).
		Int("revision", batch.Revision).
		Str("start", batch.Start.Format(time.RFC3339)).
		Str("end", batch.End.Format(time.RFC3339)).
		Int("chunks", len(batch.ChunkIDs)).
		Msg("Analyzing batch")

	err = c.analyze(ctx, batch)
	switch {
	case err == nil:
		if err := c.batches.CompleteBatch(ctx, ref, models.BatchStatusAnalyzed, ""); err != nil {
			return c.discardIfSuperseded(batch, err)
		}
		c.publishStatus(ctx, batch, models.BatchStatusAnalyzed, "")
		c.logger.Info().Str("batch_id", batch.ID).Dur("duration", time.Since(started)).Msg("Batch analyzed")
		return nil

	case errors.Is(err, interfaces.ErrBatchSuperseded):
		return c.discardIfSuperseded(batch, err)

	case ctx.Err() != nil:
		return ctx.Err()

	case isBatchFailure(err):
		return c.failBatch(ctx, batch, err)

	default:
		return err
	}
}

// analyze runs the pipeline; provider and media errors are returned unwrapped from storage errors.
// The window lock is held across Summarize so batches with overlapping windows are summarized
// one after another; batches with disjoint windows still run concurrently.
func (c *Coordinator) analyze(ctx context.Context, batch *models.Batch) error {
	ref := batch.Ref()

	chunks, err := c.chunks.GetChunks(ctx, batch.ChunkIDs)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("%v: %w", err, ErrMediaMissing)
		}
		return fmt.Errorf("failed to load chunks: %w", err)
	}

	media, err := c.assembler.Assemble(ctx, batch, chunks)
	if err != nil {
		return err
	}

	observations, logs, err := c.provider.Transcribe(ctx, media, models.TranscribeContext{
		BatchID:    batch.ID,
		BatchStart: batch.Start,
		BatchEnd:   batch.End,
	})
	c.recordCalls(ctx, logs)
	if err != nil {
		return err
	}

	saved, err := c.observations.SaveObservations(ctx, ref, observations, c.provider.Name())
	if err != nil {
		return fmt.Errorf("failed to save observations: %w", err)
	}

	windowStart, windowEnd := c.window(batch)
	unlock, err := c.windowLock.Lock(ctx, windowStart, windowEnd)
	if err != nil {
		return err
	}
	defer unlock()

	windowObservations, err := c.observations.FetchObservationsByTimeRange(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to fetch window observations: %w", err)
	}
	existing, err := c.timeline.FetchTimelineCardsByTimeRange(ctx, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to fetch window cards: %w", err)
	}

	cardData, logs, err := c.provider.Summarize(ctx, models.SummarizeContext{
		BatchID:            batch.ID,
		BatchObservations:  saved,
		WindowObservations: windowObservations,
		ExistingCards:      existing,
		WindowStart:        windowStart,
		WindowEnd:          windowEnd,
		Now:                c.now(),
		Categories:         c.config.Categories,
	})
	c.recordCalls(ctx, logs)
	if err != nil {
		return err
	}

	cards := make([]models.TimelineCard, 0, len(cardData))
	for _, d := range cardData {
		cards = append(cards, d.ToCard())
	}

	result, err := c.timeline.ReplaceTimelineCardsInRange(ctx, windowStart, windowEnd, cards, ref)
	if err != nil {
		return fmt.Errorf("failed to replace timeline cards: %w", err)
	}
	c.reclaimer.Reclaim(ctx, result.DeletedMediaPaths)
	c.publishTimeline(ctx, batch.ID, windowStart, windowEnd, result)

	c.logger.Debug().
		Str("batch_id", batch.ID).
		Int("observations", len(saved)).
		Int("window_observations", len(windowObservations)).
		Int("cards_inserted", len(result.InsertedIDs)).
		Int("cards_replaced", len(result.DeletedIDs)).
		Msg("Window cards replaced")

	return nil
}

// window returns the sliding window ending at the batch end
func (c *Coordinator) window(batch *models.Batch) (time.Time, time.Time) {
	end := batch.End
	start := end.Add(-c.config.Window)
	if batch.Start.Before(start) {
		start = batch.Start
	}
	return start, end
}

// failBatch replaces the batch range with a single error card and marks the batch failed
func (c *Coordinator) failBatch(ctx context.Context, batch *models.Batch, cause error) error {
	ref := batch.Ref()
	reason := humanReason(cause)

	c.logger.Warn().
		Str("batch_id", batch.ID).
		Str("reason", reason).
		Err(cause).
		Msg("Batch analysis failed")

	unlock, err := c.windowLock.Lock(ctx, batch.Start, batch.End)
	if err != nil {
		return err
	}
	defer unlock()

	errorCard := models.TimelineCard{
		Start:    batch.Start,
		End:      batch.End,
		Category: ErrorCardCategory,
		Title:    errorCardTitle,
		Summary:  reason,
		IsError:  true,
	}

	result, err := c.timeline.ReplaceTimelineCardsInRange(ctx, batch.Start, batch.End, []models.TimelineCard{errorCard}, ref)
	if err != nil {
		return c.discardIfSuperseded(batch, fmt.Errorf("failed to write error card: %w", err))
	}
	c.reclaimer.Reclaim(ctx, result.DeletedMediaPaths)
	c.publishTimeline(ctx, batch.ID, batch.Start, batch.End, result)

	if err := c.batches.CompleteBatch(ctx, ref, models.BatchStatusFailed, reason); err != nil {
		return c.discardIfSuperseded(batch, err)
	}
	c.publishStatus(ctx, batch, models.BatchStatusFailed, reason)
	return nil
}

func (c *Coordinator) discardIfSuperseded(batch *models.Batch, err error) error {
	if errors.Is(err, interfaces.ErrBatchSuperseded) {
		c.logger.Info().
			Str("batch_id", batch.ID).
			Int("revision", batch.Revision).
			Msg("Batch was reset during analysis, discarding results")
		return nil
	}
	return err
}

// isBatchFailure reports errors that end the batch as failed rather than being redelivered
func isBatchFailure(err error) bool {
	var perr *llm.ProviderError
	return errors.As(err, &perr) || errors.Is(err, ErrMediaMissing)
}

// humanReason renders a failure for the error card and the batch status
func humanReason(err error) string {
	var perr *llm.ProviderError
	switch {
	case errors.Is(err, ErrMediaMissing):
		return "The recording for this period is no longer available."
	case errors.As(err, &perr) && perr.Transient:
		return fmt.Sprintf("The %s provider was unavailable after several attempts: %v", perr.Provider, perr.Err)
	case errors.As(err, &perr):
		return fmt.Sprintf("The %s provider could not %s this period: %v", perr.Provider, perr.Operation, perr.Err)
	default:
		return err.Error()
	}
}

// recordCalls writes provider call logs to the audit store; audit failures never fail a batch
func (c *Coordinator) recordCalls(ctx context.Context, logs []models.CallLog) {
	if c.audit == nil {
		return
	}
	auditCtx := context.WithoutCancel(ctx)
	for _, entry := range logs {
		if err := c.audit.LogCall(auditCtx, entry); err != nil {
			c.logger.Warn().Err(err).Str("batch_id", entry.BatchID).Msg("Failed to record provider call")
		}
	}
}

func (c *Coordinator) publishStatus(ctx context.Context, batch *models.Batch, status models.BatchStatus, reason string) {
	if c.eventService == nil {
		return
	}
	_ = c.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchStatusChanged,
		Payload: map[string]interface{}{
			"batch_id": batch.ID,
			"status":   string(status),
			"reason":   reason,
			"start":    batch.Start,
			"end":      batch.End,
		},
	})
}

func (c *Coordinator) publishTimeline(ctx context.Context, batchID string, start, end time.Time, result *models.ReplaceResult) {
	if c.eventService == nil {
		return
	}
	_ = c.eventService.Publish(ctx, interfaces.Event{
		Type: interfaces.EventTimelineUpdated,
		Payload: map[string]interface{}{
			"batch_id": batchID,
			"start":    start,
			"end":      end,
			"inserted": len(result.InsertedIDs),
			"deleted":  len(result.DeletedIDs),
		},
	})
}
