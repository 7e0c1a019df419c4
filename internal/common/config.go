package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Capture     CaptureConfig   `toml:"capture"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Analysis    AnalysisConfig  `toml:"analysis"`
	Timeline    TimelineConfig  `toml:"timeline"`
	Retention   RetentionConfig `toml:"retention"`
	Queue       QueueConfig     `toml:"queue"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	LLM         LLMConfig       `toml:"llm"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Claude      ClaudeConfig    `toml:"claude"`
	Local       LocalConfig     `toml:"local"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Media  MediaConfig  `toml:"media"`
	Audit  AuditConfig  `toml:"audit"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Directory for BadgerDB files
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup (useful for testing)
}

// MediaConfig is where captured chunk files and rendered card media live
type MediaConfig struct {
	Dir string `toml:"dir"`
}

// AuditConfig controls the SQLite provider call log
type AuditConfig struct {
	Enabled     bool   `toml:"enabled"`
	Path        string `toml:"path"`
	LogPayloads bool   `toml:"log_payloads"` // Store request/response text (can be large)
}

// CaptureConfig drives the capture engine and its recorder command
type CaptureConfig struct {
	AutoStart      bool     `toml:"auto_start"`
	ChunkDuration  string   `toml:"chunk_duration"` // e.g., "15s"
	Command        string   `toml:"command"`        // External recorder, e.g. "ffmpeg"
	Args           []string `toml:"args"`           // Arguments; "{output}" is replaced with the segment path
	FileExtension  string   `toml:"file_extension"` // e.g., "mp4"
	RetryInitial   string   `toml:"retry_initial"`
	RetryMax       string   `toml:"retry_max"`
	MaxRetries     int      `toml:"max_retries"`
	TransientCodes []string `toml:"transient_codes"` // Recorder error codes treated as recoverable
}

// SchedulerConfig controls batch formation
type SchedulerConfig struct {
	Enabled    bool   `toml:"enabled"`
	Tick       string `toml:"tick"`        // e.g., "60s"
	Lookback   string `toml:"lookback"`    // e.g., "24h"
	Target     string `toml:"target"`      // Target batch duration, e.g. "15m"
	Minimum    string `toml:"minimum"`     // Minimum covered duration to finalize a batch, e.g. "5m"
	MaxGap     string `toml:"max_gap"`     // Largest gap between chunks inside one batch, e.g. "2m"
	StaleAfter string `toml:"stale_after"` // Processing batches untouched for this long are re-dispatched
}

// CategoryConfig is one entry of the closed card category taxonomy
type CategoryConfig struct {
	Name        string `toml:"name" validate:"required,max=64"`
	Description string `toml:"description" validate:"max=512"`
}

// AnalysisConfig controls the sliding window analysis
type AnalysisConfig struct {
	Window     string           `toml:"window"` // Sliding window size, e.g. "1h"
	Categories []CategoryConfig `toml:"categories" validate:"dive"`
}

// TimelineConfig controls day bucketing of timeline cards
type TimelineConfig struct {
	DayStartHour int `toml:"day_start_hour"` // Captures before this hour belong to the previous day
}

// RetentionConfig controls cleanup of old chunk media
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Period   string `toml:"period"`   // e.g., "72h"
	Schedule string `toml:"schedule"` // Cron expression, e.g. "@every 1h"
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "30m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before it is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	Dir        string   `toml:"dir"`         // Directory for the log file and crash reports
	TimeFormat string   `toml:"time_format"` // e.g., "15:04:05"
}

// WebSocketConfig contains configuration for the status stream
type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval"` // Min time between broadcasts of the same event type
}

// LLMProvider selects the analysis backend variant
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderClaude LLMProvider = "claude"
	LLMProviderLocal  LLMProvider = "local"
)

// RetryConfig controls transient provider retries
type RetryConfig struct {
	MaxAttempts       int     `toml:"max_attempts"`
	InitialBackoff    string  `toml:"initial_backoff"`
	MaxBackoff        string  `toml:"max_backoff"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

type LLMConfig struct {
	Provider  LLMProvider `toml:"provider"`   // gemini, claude or local
	Timeout   string      `toml:"timeout"`    // Per call timeout, e.g. "5m"
	RateLimit string      `toml:"rate_limit"` // Minimum interval between calls, e.g. "4s"
	Retry     RetryConfig `toml:"retry"`
}

type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
	BaseURL     string  `toml:"base_url"` // Optional endpoint override, e.g. a proxy
}

type ClaudeConfig struct {
	APIKey        string  `toml:"api_key"`
	Model         string  `toml:"model"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float32 `toml:"temperature"`
	FrameInterval string  `toml:"frame_interval"` // Sample one frame per interval, e.g. "30s"
	FramesPerCall int     `toml:"frames_per_call"`
	BaseURL       string  `toml:"base_url"` // Optional endpoint override
}

// LocalConfig targets an OpenAI-compatible local model server (llama-server, Ollama)
type LocalConfig struct {
	BaseURL       string  `toml:"base_url"`
	Model         string  `toml:"model"`
	Temperature   float32 `toml:"temperature"`
	FrameInterval string  `toml:"frame_interval"`
	FramesPerCall int     `toml:"frames_per_call"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8095,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/recap",
			},
			Media: MediaConfig{
				Dir: "./data/media",
			},
			Audit: AuditConfig{
				Enabled: true,
				Path:    "./data/audit.db",
			},
		},
		Capture: CaptureConfig{
			AutoStart:     false,
			ChunkDuration: "15s",
			Command:       "ffmpeg",
			Args: []string{
				"-y", "-loglevel", "error",
				"-f", "x11grab", "-framerate", "1", "-i", ":0.0",
				"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
				"{output}",
			},
			FileExtension:  "mp4",
			RetryInitial:   "2s",
			RetryMax:       "1m",
			MaxRetries:     5,
			TransientCodes: []string{"interrupted", "display_reconfigured", "stream_stalled", "timeout"},
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Tick:       "60s",
			Lookback:   "24h",
			Target:     "15m",
			Minimum:    "5m",
			MaxGap:     "2m",
			StaleAfter: "30m",
		},
		Analysis: AnalysisConfig{
			Window:     "1h",
			Categories: DefaultCategories(),
		},
		Timeline: TimelineConfig{
			DayStartHour: 4,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Period:   "72h",
			Schedule: "@every 1h",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       2,
			VisibilityTimeout: "30m",
			MaxReceive:        3,
			QueueName:         "recap_analysis",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			Dir:        "./data/logs",
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "500ms",
		},
		LLM: LLMConfig{
			Provider:  LLMProviderGemini,
			Timeout:   "5m",
			RateLimit: "4s",
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    "2s",
				MaxBackoff:        "1m",
				BackoffMultiplier: 2.0,
			},
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.3,
		},
		Claude: ClaudeConfig{
			Model:         "claude-sonnet-4-5",
			MaxTokens:     8192,
			Temperature:   0.3,
			FrameInterval: "30s",
			FramesPerCall: 10,
		},
		Local: LocalConfig{
			BaseURL:       "http://localhost:8086",
			Model:         "qwen2.5-vl",
			Temperature:   0.3,
			FrameInterval: "60s",
			FramesPerCall: 4,
		},
	}
}

// DefaultCategories is the category taxonomy used when none is configured
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{Name: "Work", Description: "Focused productive work: coding, writing, design, research, meetings"},
		{Name: "Communication", Description: "Email, chat, messaging and calls not tied to a specific work task"},
		{Name: "Learning", Description: "Reading documentation, courses, tutorials, technical articles"},
		{Name: "Personal", Description: "Personal admin: shopping, banking, scheduling"},
		{Name: "Entertainment", Description: "Video, social media, games, browsing for leisure"},
		{Name: "Idle", Description: "Screen locked, no visible activity"},
		{Name: "Other", Description: "Anything that fits no other category"},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RECAP_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("RECAP_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("RECAP_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("RECAP_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if mediaDir := os.Getenv("RECAP_MEDIA_DIR"); mediaDir != "" {
		config.Storage.Media.Dir = mediaDir
	}
	if auditPath := os.Getenv("RECAP_AUDIT_PATH"); auditPath != "" {
		config.Storage.Audit.Path = auditPath
	}

	// Capture configuration
	if chunk := os.Getenv("RECAP_CAPTURE_CHUNK_DURATION"); chunk != "" {
		config.Capture.ChunkDuration = chunk
	}
	if command := os.Getenv("RECAP_CAPTURE_COMMAND"); command != "" {
		config.Capture.Command = command
	}
	if autoStart := os.Getenv("RECAP_CAPTURE_AUTO_START"); autoStart != "" {
		if as, err := strconv.ParseBool(autoStart); err == nil {
			config.Capture.AutoStart = as
		}
	}

	// Scheduler configuration
	if tick := os.Getenv("RECAP_SCHEDULER_TICK"); tick != "" {
		config.Scheduler.Tick = tick
	}
	if lookback := os.Getenv("RECAP_SCHEDULER_LOOKBACK"); lookback != "" {
		config.Scheduler.Lookback = lookback
	}
	if target := os.Getenv("RECAP_BATCH_TARGET"); target != "" {
		config.Scheduler.Target = target
	}
	if minimum := os.Getenv("RECAP_BATCH_MINIMUM"); minimum != "" {
		config.Scheduler.Minimum = minimum
	}

	// Analysis configuration
	if window := os.Getenv("RECAP_ANALYSIS_WINDOW"); window != "" {
		config.Analysis.Window = window
	}
	if retention := os.Getenv("RECAP_RETENTION_PERIOD"); retention != "" {
		config.Retention.Period = retention
	}

	// Queue configuration
	if concurrency := os.Getenv("RECAP_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}

	// Logging configuration
	if level := os.Getenv("RECAP_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("RECAP_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// LLM configuration
	if provider := os.Getenv("RECAP_LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = LLMProvider(strings.ToLower(provider))
	}
	if model := os.Getenv("RECAP_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if model := os.Getenv("RECAP_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if baseURL := os.Getenv("RECAP_LOCAL_BASE_URL"); baseURL != "" {
		config.Local.BaseURL = baseURL
	}
	if model := os.Getenv("RECAP_LOCAL_MODEL"); model != "" {
		config.Local.Model = model
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ResolveAPIKey resolves an API key by name with environment variable priority
// Resolution order: environment variables → config fallback → error
func ResolveAPIKey(name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"gemini_api_key": {"RECAP_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"claude_api_key": {"RECAP_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
	}

	if envVarNames, ok := keyToEnvMapping[name]; ok {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment or config", name)
}

// Validate checks every duration, schedule and taxonomy entry so bad values fail at startup
func (c *Config) Validate() error {
	durations := map[string]string{
		"capture.chunk_duration":    c.Capture.ChunkDuration,
		"capture.retry_initial":     c.Capture.RetryInitial,
		"capture.retry_max":         c.Capture.RetryMax,
		"scheduler.tick":            c.Scheduler.Tick,
		"scheduler.lookback":        c.Scheduler.Lookback,
		"scheduler.target":          c.Scheduler.Target,
		"scheduler.minimum":         c.Scheduler.Minimum,
		"scheduler.max_gap":         c.Scheduler.MaxGap,
		"scheduler.stale_after":     c.Scheduler.StaleAfter,
		"analysis.window":           c.Analysis.Window,
		"retention.period":          c.Retention.Period,
		"queue.poll_interval":       c.Queue.PollInterval,
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"llm.timeout":               c.LLM.Timeout,
		"llm.retry.initial_backoff": c.LLM.Retry.InitialBackoff,
		"llm.retry.max_backoff":     c.LLM.Retry.MaxBackoff,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("duration for %s must be positive, got %s", name, value)
		}
	}

	if ParseDurationOr(c.Scheduler.Minimum, 0) > ParseDurationOr(c.Scheduler.Target, 0) {
		return fmt.Errorf("scheduler.minimum (%s) must not exceed scheduler.target (%s)", c.Scheduler.Minimum, c.Scheduler.Target)
	}

	if c.Timeline.DayStartHour < 0 || c.Timeline.DayStartHour > 23 {
		return fmt.Errorf("timeline.day_start_hour must be between 0 and 23, got %d", c.Timeline.DayStartHour)
	}

	switch c.LLM.Provider {
	case LLMProviderGemini, LLMProviderClaude, LLMProviderLocal:
	default:
		return fmt.Errorf("unsupported llm.provider %q (expected gemini, claude or local)", c.LLM.Provider)
	}

	if c.Retention.Enabled {
		if err := ValidateSchedule(c.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid retention.schedule: %w", err)
		}
	}

	if len(c.Analysis.Categories) == 0 {
		return fmt.Errorf("analysis.categories must contain at least one category")
	}
	if err := validator.New().Struct(c.Analysis); err != nil {
		return fmt.Errorf("invalid analysis categories: %w", err)
	}

	return nil
}

// ValidateSchedule validates a cron schedule expression (standard five fields or @every descriptors)
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.Capture.Args) > 0 {
		clone.Capture.Args = make([]string, len(c.Capture.Args))
		copy(clone.Capture.Args, c.Capture.Args)
	}

	if len(c.Capture.TransientCodes) > 0 {
		clone.Capture.TransientCodes = make([]string, len(c.Capture.TransientCodes))
		copy(clone.Capture.TransientCodes, c.Capture.TransientCodes)
	}

	if len(c.Analysis.Categories) > 0 {
		clone.Analysis.Categories = make([]CategoryConfig, len(c.Analysis.Categories))
		copy(clone.Analysis.Categories, c.Analysis.Categories)
	}

	return &clone
}
