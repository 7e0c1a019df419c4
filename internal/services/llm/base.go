package llm

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/models"
)

// providerBase carries what every variant shares: identity, call timeout, rate limiter and logging
type providerBase struct {
	name    string
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  arbor.ILogger
}

func newProviderBase(name, model string, llmConfig *common.LLMConfig, logger arbor.ILogger) providerBase {
	return providerBase{
		name:    name,
		model:   model,
		timeout: common.ParseDurationOr(llmConfig.Timeout, 5*time.Minute),
		limiter: newLimiter(llmConfig.RateLimit),
		logger:  logger,
	}
}

// newLimiter allows one call per interval with no burst; an empty or zero interval disables limiting
func newLimiter(interval string) *rate.Limiter {
	every := common.ParseDurationOr(interval, 0)
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// call performs one rate limited, time bounded provider request and records it as a call log.
// The returned error is always classified.
func (b *providerBase) call(
	ctx context.Context,
	op models.CallOperation,
	batchID string,
	request string,
	requestSize int,
	fn func(ctx context.Context) (string, error),
) (string, models.CallLog, error) {
	entry := models.CallLog{
		ID:          common.NewCallLogID(),
		Provider:    b.name,
		Model:       b.model,
		Operation:   op,
		BatchID:     batchID,
		Attempt:     1,
		RequestSize: requestSize,
		Request:     request,
	}

	if err := b.limiter.Wait(ctx); err != nil {
		entry.StartedAt = time.Now()
		classified := classifyError(b.name, string(op), err)
		entry.ErrorClass = ErrorClass(classified)
		entry.Error = classified.Error()
		return "", entry, classified
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entry.StartedAt = time.Now()
	text, err := fn(callCtx)
	entry.Duration = time.Since(entry.StartedAt)
	entry.ResponseSize = len(text)
	entry.Response = text

	if err != nil {
		classified := classifyError(b.name, string(op), err)
		entry.ErrorClass = ErrorClass(classified)
		entry.Error = classified.Error()

		b.logger.Warn().
			Str("provider", b.name).
			Str("operation", string(op)).
			Str("batch_id", batchID).
			Str("class", entry.ErrorClass).
			Dur("duration", entry.Duration).
			Err(err).
			Msg("Provider call failed")
		return "", entry, classified
	}

	entry.Success = true
	b.logger.Debug().
		Str("provider", b.name).
		Str("operation", string(op)).
		Str("batch_id", batchID).
		Int("response_size", entry.ResponseSize).
		Dur("duration", entry.Duration).
		Msg("Provider call completed")
	return text, entry, nil
}

// failLog marks the last call log as failed when output validation rejects a successful response
func failLog(logs []models.CallLog, err error) {
	if len(logs) == 0 || err == nil {
		return
	}
	last := &logs[len(logs)-1]
	last.Success = false
	last.ErrorClass = ErrorClass(err)
	last.Error = err.Error()
}

func (b *providerBase) Name() string {
	return b.name
}
