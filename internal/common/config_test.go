package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigIsValid(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "15s", config.Capture.ChunkDuration)
	assert.Equal(t, "60s", config.Scheduler.Tick)
	assert.Equal(t, "24h", config.Scheduler.Lookback)
	assert.Equal(t, "15m", config.Scheduler.Target)
	assert.Equal(t, "5m", config.Scheduler.Minimum)
	assert.Equal(t, "1h", config.Analysis.Window)
	assert.Equal(t, 4, config.Timeline.DayStartHour)
	assert.NotEmpty(t, config.Analysis.Categories)
}

func TestLoadFromFilesMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
[scheduler]
tick = "30s"
target = "10m"

[llm]
provider = "claude"
`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`
[scheduler]
target = "20m"

[[analysis.categories]]
name = "Coding"
description = "Writing software"
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "30s", config.Scheduler.Tick)
	assert.Equal(t, "20m", config.Scheduler.Target)
	assert.Equal(t, LLMProviderClaude, config.LLM.Provider)
	require.Len(t, config.Analysis.Categories, 1)
	assert.Equal(t, "Coding", config.Analysis.Categories[0].Name)
}

func TestLoadFromFilesEnvOverride(t *testing.T) {
	t.Setenv("RECAP_SCHEDULER_TICK", "90s")
	t.Setenv("RECAP_LLM_PROVIDER", "LOCAL")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, "90s", config.Scheduler.Tick)
	assert.Equal(t, LLMProviderLocal, config.LLM.Provider)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad duration", func(c *Config) { c.Scheduler.Tick = "soon" }},
		{"negative duration", func(c *Config) { c.Analysis.Window = "-1h" }},
		{"minimum above target", func(c *Config) { c.Scheduler.Minimum = "20m" }},
		{"day start hour out of range", func(c *Config) { c.Timeline.DayStartHour = 24 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "openai" }},
		{"bad retention schedule", func(c *Config) { c.Retention.Schedule = "every hour" }},
		{"empty categories", func(c *Config) { c.Analysis.Categories = nil }},
		{"unnamed category", func(c *Config) { c.Analysis.Categories = []CategoryConfig{{Description: "x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("RECAP_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := ResolveAPIKey("gemini_api_key", "")
	assert.Error(t, err)

	key, err := ResolveAPIKey("gemini_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	t.Setenv("RECAP_GEMINI_API_KEY", "from-env")
	key, err = ResolveAPIKey("gemini_api_key", "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestDeepCloneConfig(t *testing.T) {
	config := NewDefaultConfig()
	clone := DeepCloneConfig(config)

	clone.Analysis.Categories[0].Name = "Changed"
	clone.Capture.Args[0] = "-n"

	assert.NotEqual(t, "Changed", config.Analysis.Categories[0].Name)
	assert.NotEqual(t, "-n", config.Capture.Args[0])
}
