package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pool.SweepInterval)
	assert.Equal(t, 3, cfg.Loop.FailureThreshold)
	assert.NotEmpty(t, cfg.Obstacles.Options)
}

func TestLoad(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("WEBPILOT_MODEL", "")

	t.Run("merges file over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "webpilot.yaml")
		content := `
planner:
  model: gpt-4o-mini
  api_key: sk-file
pool:
  capacity: 2
  idle_timeout: 10m
loop:
  default_budget: 5
navigation:
  denied_urls:
    - "*://*.internal/*"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", cfg.Planner.Model)
		assert.Equal(t, "sk-file", cfg.Planner.APIKey)
		assert.Equal(t, 2, cfg.Pool.Capacity)
		assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Pool.SweepInterval, "unset fields keep defaults")
		assert.Equal(t, 5, cfg.Loop.DefaultBudget)
		assert.Equal(t, []string{"*://*.internal/*"}, cfg.Navigation.DeniedURLs)
	})

	t.Run("environment fills credentials", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("WEBPILOT_MODEL", "gpt-env")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "sk-env", cfg.Planner.APIKey)
		assert.Equal(t, "gpt-env", cfg.Planner.Model)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 0\n"), 0600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool capacity")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError string
	}{
		{"missing model", func(c *Config) { c.Planner.Model = "" }, "planner model"},
		{"budget above max", func(c *Config) { c.Loop.MaxBudget = 1 }, "max_budget"},
		{"history window too large", func(c *Config) { c.Loop.HistoryWindow = 4 }, "history_window"},
		{"no obstacle options", func(c *Config) { c.Obstacles.Options = nil }, "obstacles.options"},
		{"bad verbosity", func(c *Config) { c.Logging.Verbosity = "loud" }, "invalid logging verbosity"},
		{"zero pong timeout", func(c *Config) { c.Notify.PongTimeout = 0 }, "pong_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}

	t.Run("disabled obstacles skip option checks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Obstacles.Enabled = false
		cfg.Obstacles.Options = nil
		assert.NoError(t, cfg.Validate())
	})
}
