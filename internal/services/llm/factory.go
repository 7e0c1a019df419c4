package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
)

// NewProvider creates the configured provider variant wrapped in the retry policy
func NewProvider(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (interfaces.AnalysisProvider, error) {
	logger.Info().Str("provider", string(cfg.LLM.Provider)).Msg("Initializing analysis provider")

	var (
		inner interfaces.AnalysisProvider
		err   error
	)

	switch cfg.LLM.Provider {
	case ProviderGemini:
		inner, err = NewGeminiProvider(ctx, &cfg.Gemini, &cfg.LLM, logger)

	case ProviderClaude:
		if err := validateFrameConfig(cfg.Claude.FramesPerCall); err != nil {
			return nil, fmt.Errorf("invalid claude configuration: %w", err)
		}
		inner, err = NewClaudeProvider(&cfg.Claude, &cfg.LLM, NewFFmpegSampler("", logger), logger)

	case ProviderLocal:
		if err := validateFrameConfig(cfg.Local.FramesPerCall); err != nil {
			return nil, fmt.Errorf("invalid local configuration: %w", err)
		}
		inner, err = NewLocalProvider(&cfg.Local, &cfg.LLM, NewFFmpegSampler("", logger), logger)

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.LLM.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.LLM.Provider, err)
	}

	return NewRetryingProvider(inner, NewRetryConfig(cfg.LLM.Retry), logger), nil
}

// validateFrameConfig validates frame-sampling settings
func validateFrameConfig(framesPerCall int) error {
	if framesPerCall <= 0 {
		return fmt.Errorf("frames_per_call must be greater than 0, got %d", framesPerCall)
	}
	return nil
}
