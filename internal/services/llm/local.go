package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/httpclient"
	"github.com/ternarybob/recap/internal/models"
)

// LocalProvider targets a local OpenAI-compatible model server (llama-server, Ollama).
// Transcription uses frame sampling with image_url data URIs. No data leaves the host.
type LocalProvider struct {
	providerBase
	config        *common.LocalConfig
	httpClient    *http.Client
	sampler       FrameSampler
	frameInterval time.Duration
}

// chatRequest represents an OpenAI-compatible chat completion request
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// chatResponse represents the chat completion response
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewLocalProvider creates the local model server provider
func NewLocalProvider(localConfig *common.LocalConfig, llmConfig *common.LLMConfig, sampler FrameSampler, logger arbor.ILogger) (*LocalProvider, error) {
	if localConfig.BaseURL == "" {
		return nil, fmt.Errorf("local.base_url is required for the local provider")
	}

	p := &LocalProvider{
		providerBase:  newProviderBase(string(ProviderLocal), localConfig.Model, llmConfig, logger),
		config:        localConfig,
		httpClient:    httpclient.NewDefaultHTTPClient(0),
		sampler:       sampler,
		frameInterval: common.ParseDurationOr(localConfig.FrameInterval, 30*time.Second),
	}

	logger.Info().
		Str("base_url", localConfig.BaseURL).
		Str("model", localConfig.Model).
		Dur("frame_interval", p.frameInterval).
		Msg("Local provider initialized")

	return p, nil
}

func (p *LocalProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	return p.transcribeFrames(ctx, media, tc, p.sampler, p.frameInterval, p.config.FramesPerCall, p.describeFrames)
}

func (p *LocalProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	return p.summarizeWith(ctx, sc, func(ctx context.Context, system, prompt string) (string, error) {
		return p.chat(ctx, system, []contentPart{{Type: "text", Text: prompt}})
	})
}

func (p *LocalProvider) describeFrames(ctx context.Context, system, prompt string, frames []Frame) (string, error) {
	parts := make([]contentPart, 0, len(frames)+1)
	for _, f := range frames {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + f.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)},
		})
	}
	parts = append(parts, contentPart{Type: "text", Text: prompt})
	return p.chat(ctx, system, parts)
}

func (p *LocalProvider) chat(ctx context.Context, system string, parts []contentPart) (string, error) {
	req := chatRequest{
		Model:       p.model,
		Temperature: p.config.Temperature,
		Stream:      false,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: []contentPart{{Type: "text", Text: system}}})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: parts})

	var resp chatResponse
	url := strings.TrimRight(p.config.BaseURL, "/") + "/v1/chat/completions"
	if _, err := httpclient.PostJSON(ctx, p.httpClient, url, nil, req, &resp); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in local model response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from local model")
	}
	return text, nil
}

func (p *LocalProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
