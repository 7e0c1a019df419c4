package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// ProviderType names an analysis provider variant
type ProviderType = common.LLMProvider

const (
	ProviderGemini = common.LLMProviderGemini
	ProviderClaude = common.LLMProviderClaude
	ProviderLocal  = common.LLMProviderLocal
)

var (
	_ interfaces.AnalysisProvider = (*GeminiProvider)(nil)
	_ interfaces.AnalysisProvider = (*ClaudeProvider)(nil)
	_ interfaces.AnalysisProvider = (*LocalProvider)(nil)
	_ interfaces.AnalysisProvider = (*RetryingProvider)(nil)
)

// textGenerator produces one text completion for a system and user prompt
type textGenerator func(ctx context.Context, system, prompt string) (string, error)

// frameDescriber describes a group of sampled frames in plain text
type frameDescriber func(ctx context.Context, system, prompt string, frames []Frame) (string, error)

// summarizeWith runs the shared summarization round trip over a variant's text generator
func (b *providerBase) summarizeWith(ctx context.Context, sc models.SummarizeContext, generate textGenerator) ([]models.CardData, []models.CallLog, error) {
	prompt := buildSummarizePrompt(sc)
	text, entry, err := b.call(ctx, models.CallOperationSummarize, sc.BatchID, prompt, len(prompt),
		func(ctx context.Context) (string, error) {
			return generate(ctx, summarizeSystemPrompt, prompt)
		})
	logs := []models.CallLog{entry}
	if err != nil {
		return nil, logs, err
	}

	cards, err := parseCards(text, sc)
	if err == nil && len(cards) == 0 && len(sc.WindowObservations) > 0 {
		err = fmt.Errorf("empty summary for a window with %d observations", len(sc.WindowObservations))
	}
	if err != nil {
		// Malformed output is usually a one-off; let the retry policy decide
		perr := &ProviderError{Provider: b.name, Operation: string(models.CallOperationSummarize), Transient: true, Err: err}
		failLog(logs, perr)
		return nil, logs, perr
	}
	return cards, logs, nil
}

// transcribeFrames implements frame-sampling transcription: frames are described group by
// group and each description becomes an observation covering its group's interval
func (b *providerBase) transcribeFrames(
	ctx context.Context,
	media *models.MediaPayload,
	tc models.TranscribeContext,
	sampler FrameSampler,
	interval time.Duration,
	perCall int,
	describe frameDescriber,
) ([]models.ObservationData, []models.CallLog, error) {
	op := string(models.CallOperationTranscribe)

	groups, err := sampleFrameGroups(ctx, sampler, media, interval, perCall)
	if err != nil {
		return nil, nil, permanentf(b.name, op, "frame sampling failed: %w", err)
	}
	if len(groups) == 0 {
		return nil, nil, permanentf(b.name, op, "no frames sampled from %d segments", len(media.Segments))
	}

	var logs []models.CallLog
	var observations []models.ObservationData
	for _, group := range groups {
		prompt := buildFramePrompt(group)
		size := len(prompt)
		for _, f := range group.Frames {
			size += len(f.Data)
		}

		text, entry, err := b.call(ctx, models.CallOperationTranscribe, tc.BatchID, prompt, size,
			func(ctx context.Context) (string, error) {
				return describe(ctx, frameSystemPrompt, prompt, group.Frames)
			})
		logs = append(logs, entry)
		if err != nil {
			return nil, logs, err
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		obs, ok := clampObservation(models.ObservationData{Start: group.Start, End: group.End, Text: text}, tc.BatchStart, tc.BatchEnd)
		if ok {
			observations = append(observations, obs)
		}
	}

	if len(observations) == 0 {
		perr := &ProviderError{Provider: b.name, Operation: op, Transient: true, Err: fmt.Errorf("no frame descriptions produced")}
		failLog(logs, perr)
		return nil, logs, perr
	}
	return mergeObservations(observations), logs, nil
}

// mergeObservations joins consecutive observations with identical text
func mergeObservations(in []models.ObservationData) []models.ObservationData {
	if len(in) < 2 {
		return in
	}
	out := []models.ObservationData{in[0]}
	for _, obs := range in[1:] {
		last := &out[len(out)-1]
		if obs.Text == last.Text && !obs.Start.After(last.End) {
			if obs.End.After(last.End) {
				last.End = obs.End
			}
			continue
		}
		out = append(out, obs)
	}
	return out
}
