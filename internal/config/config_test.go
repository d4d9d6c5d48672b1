package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("defaults plus api key are valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("requires api key", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Name = "psychic"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects bad port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Port = 0
		assert.Error(t, cfg.Validate())

		cfg.Gateway.Port = 99999
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects reserved >= context max", func(t *testing.T) {
		cfg := validConfig()
		cfg.Context.ReservedForOutput = cfg.Context.MaxTokens
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects heavyweight above max concurrency", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pool.MaxHeavyweightConcurrency = cfg.Pool.MaxConcurrency + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("llm verification needs a rubric", func(t *testing.T) {
		cfg := validConfig()
		cfg.Verify.LLMEnabled = true
		assert.Error(t, cfg.Validate())

		cfg.Verify.Rubric = "be correct"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
provider:
  name: openai
  api_key: file-key
  model: gpt-4o
agent:
  max_iterations: 3
  turn_timeout: 90s
context:
  max_tokens: 50000
gateway:
  port: 9100
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "file-key", cfg.Provider.APIKey)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Agent.TurnTimeout)
	assert.Equal(t, 50000, cfg.Context.MaxTokens)
	assert.Equal(t, 9100, cfg.Gateway.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, 8, cfg.Pool.MaxConcurrency)
	assert.Equal(t, "sliding-window", cfg.Context.Strategy)

	// Derived paths land under the data dir.
	assert.Equal(t, filepath.Join(dir, "loom.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(dir, "archive.db"), cfg.Session.ArchivePath)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, 8900, cfg.Gateway.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOOM_PROVIDER_API_KEY", "env-key")
	t.Setenv("LOOM_PROVIDER_NAME", "openai")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Provider.APIKey)
	assert.Equal(t, "openai", cfg.Provider.Name)
}
