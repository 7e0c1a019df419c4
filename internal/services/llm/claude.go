package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/models"
)

// ClaudeProvider analyses batches by frame sampling: frames are pulled from each chunk,
// described in groups with image blocks, and the descriptions become observations.
type ClaudeProvider struct {
	providerBase
	config        *common.ClaudeConfig
	client        anthropic.Client
	sampler       FrameSampler
	frameInterval time.Duration
}

// NewClaudeProvider creates the frame-sampling Anthropic provider
func NewClaudeProvider(claudeConfig *common.ClaudeConfig, llmConfig *common.LLMConfig, sampler FrameSampler, logger arbor.ILogger) (*ClaudeProvider, error) {
	apiKey, err := common.ResolveAPIKey("claude_api_key", claudeConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key): %w", err)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if claudeConfig.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(claudeConfig.BaseURL))
	}

	p := &ClaudeProvider{
		providerBase:  newProviderBase(string(ProviderClaude), claudeConfig.Model, llmConfig, logger),
		config:        claudeConfig,
		client:        anthropic.NewClient(opts...),
		sampler:       sampler,
		frameInterval: common.ParseDurationOr(claudeConfig.FrameInterval, 30*time.Second),
	}

	logger.Info().
		Str("model", claudeConfig.Model).
		Dur("frame_interval", p.frameInterval).
		Int("frames_per_call", claudeConfig.FramesPerCall).
		Msg("Claude provider initialized")

	return p, nil
}

func (p *ClaudeProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	return p.transcribeFrames(ctx, media, tc, p.sampler, p.frameInterval, p.config.FramesPerCall, p.describeFrames)
}

func (p *ClaudeProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	return p.summarizeWith(ctx, sc, func(ctx context.Context, system, prompt string) (string, error) {
		return p.send(ctx, system, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	})
}

func (p *ClaudeProvider) describeFrames(ctx context.Context, system, prompt string, frames []Frame) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(frames)+1)
	for _, f := range frames {
		blocks = append(blocks, anthropic.NewImageBlockBase64(f.MIMEType, base64.StdEncoding.EncodeToString(f.Data)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))
	return p.send(ctx, system, anthropic.NewUserMessage(blocks...))
}

func (p *ClaudeProvider) send(ctx context.Context, system string, message anthropic.MessageParam) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.config.MaxTokens),
		Messages:  []anthropic.MessageParam{message},
	}
	if p.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(p.config.Temperature))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Claude API")
	}
	return text.String(), nil
}

func (p *ClaudeProvider) Close() error {
	return nil
}
