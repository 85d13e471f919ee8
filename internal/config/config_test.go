package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrentGenerations)
	assert.Equal(t, 3, cfg.Pipeline.TaskAttemptCeiling)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 60*time.Second, cfg.RenderTimeout())
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL())
	assert.Empty(t, cfg.DB.DSN)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
pipeline:
  workers: 2
  max_concurrent_generations: 16
db:
  dsn: postgres://localhost/apply_agent
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 16, cfg.Pipeline.MaxConcurrentGenerations)
	assert.Equal(t, "postgres://localhost/apply_agent", cfg.DB.DSN)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Pipeline.TaskAttemptCeiling)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APPLY_AGENT_SERVER_PORT", "9999")
	t.Setenv("APPLY_AGENT_GEMINI_API_KEY", "test-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "test-key", cfg.Gemini.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.Port = 0
	assert.ErrorContains(t, cfg.Validate(), "server.port")

	cfg, err = Load("")
	require.NoError(t, err)
	cfg.Pipeline.Workers = 0
	assert.ErrorContains(t, cfg.Validate(), "pipeline.workers")

	cfg, err = Load("")
	require.NoError(t, err)
	cfg.Pipeline.TaskAttemptCeiling = -1
	assert.ErrorContains(t, cfg.Validate(), "task_attempt_ceiling")
}
