package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// RetryingProvider wraps any provider variant and retries transient failures with
// exponential backoff. Permanent failures return immediately. Call logs of every attempt
// are returned, numbered by attempt.
type RetryingProvider struct {
	inner  interfaces.AnalysisProvider
	config *RetryConfig
	logger arbor.ILogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingProvider wraps inner with the retry policy in config
func NewRetryingProvider(inner interfaces.AnalysisProvider, config *RetryConfig, logger arbor.ILogger) *RetryingProvider {
	if config == nil {
		config = NewDefaultRetryConfig()
	}
	return &RetryingProvider{
		inner:  inner,
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (r *RetryingProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	var result []models.ObservationData
	logs, err := r.retry(ctx, models.CallOperationTranscribe, tc.BatchID, func() ([]models.CallLog, error) {
		obs, logs, err := r.inner.Transcribe(ctx, media, tc)
		result = obs
		return logs, err
	})
	return result, logs, err
}

func (r *RetryingProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	var result []models.CardData
	logs, err := r.retry(ctx, models.CallOperationSummarize, sc.BatchID, func() ([]models.CallLog, error) {
		cards, logs, err := r.inner.Summarize(ctx, sc)
		result = cards
		return logs, err
	})
	return result, logs, err
}

func (r *RetryingProvider) retry(ctx context.Context, op models.CallOperation, batchID string, fn func() ([]models.CallLog, error)) ([]models.CallLog, error) {
	var all []models.CallLog
	for attempt := 1; ; attempt++ {
		logs, err := fn()
		for i := range logs {
			logs[i].Attempt = attempt
		}
		all = append(all, logs...)

		if err == nil {
			return all, nil
		}
		if !IsTransient(err) || attempt >= r.config.MaxAttempts {
			return all, err
		}

		var apiDelay time.Duration
		var perr *ProviderError
		if errors.As(err, &perr) {
			apiDelay = perr.RetryAfter
		}
		backoff := r.config.CalculateBackoff(attempt-1, apiDelay)

		r.logger.Warn().
			Str("provider", r.inner.Name()).
			Str("operation", string(op)).
			Str("batch_id", batchID).
			Int("attempt", attempt).
			Int("max_attempts", r.config.MaxAttempts).
			Dur("backoff", backoff).
			Err(err).
			Msg("Retrying transient provider failure")

		if err := r.sleep(ctx, backoff); err != nil {
			return all, classifyError(r.inner.Name(), string(op), err)
		}
	}
}

func (r *RetryingProvider) Name() string {
	return r.inner.Name()
}

func (r *RetryingProvider) Close() error {
	return r.inner.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
