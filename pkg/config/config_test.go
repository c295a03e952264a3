package config

import (
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultSystemConfig(t *testing.T) {
	cfg := DefaultSystemConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 600000, cfg.LLMTimeoutMs)
	assert.Equal(t, 100, cfg.InternalChannelBuffer)
	assert.Equal(t, 4000, cfg.TelegramMessageLimit)
	assert.Equal(t, 10, cfg.HistoryWindow)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.ShowThinking)
	assert.True(t, cfg.EnableTools)
}

func TestLoadSystemConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadSystemConfig("does-not-exist.json")
	assert.Equal(t, DefaultSystemConfig(), cfg)
}

func TestLoadSystemConfigPartialOverride(t *testing.T) {
	path := writeTempFile(t, `{"history_window": 4, "log_level": "debug"}`)

	cfg := LoadSystemConfig(path)
	assert.Equal(t, 4, cfg.HistoryWindow)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep their defaults
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 4000, cfg.TelegramMessageLimit)
}

func TestLoadSystemConfigCorruptFileUsesDefaults(t *testing.T) {
	path := writeTempFile(t, `{not valid json`)
	cfg := LoadSystemConfig(path)
	assert.Equal(t, DefaultSystemConfig(), cfg)
}

func TestValidateRequiresLLM(t *testing.T) {
	var cfg Config
	assert.Error(t, cfg.Validate())

	cfg.LLM = jsoniter.RawMessage(`[{"type":"openai","models":["gpt-4.1"]}]`)
	assert.NoError(t, cfg.Validate())
}

func TestConfigParsing(t *testing.T) {
	raw := `{
		"channels": {"web": {"port": 9453}},
		"llm": [{"type": "gemini", "models": ["gemini-2.5-flash"]}],
		"search": {"api_key": "k", "default_results": 5},
		"storage": {"path": "/tmp/conv.db"},
		"system_prompt": "You are helpful."
	}`

	var cfg Config
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Contains(t, cfg.Channels, "web")
	assert.Equal(t, "k", cfg.Search.APIKey)
	assert.Equal(t, 5, cfg.Search.DefaultResults)
	assert.Equal(t, "/tmp/conv.db", cfg.Storage.Path)
	assert.Equal(t, "You are helpful.", cfg.SystemPrompt)
}
