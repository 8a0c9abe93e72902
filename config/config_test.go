package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Gateway.BackoffBase)
	assert.Equal(t, 3*time.Second, cfg.Poll.Interval)
	assert.Equal(t, []string{"application/pdf"}, cfg.Upload.AllowedTypes)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxFileSize)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway.BaseURL, cfg.Gateway.BaseURL)
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := []byte(`
gateway:
  base_url: http://backend:9000/api
  max_attempts: 5
poll:
  interval: 500ms
  max_polls: 10
log:
  level: debug
redis:
  enabled: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("TABLEFORGE_POLL_INTERVAL", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9000/api", cfg.Gateway.BaseURL)
	assert.Equal(t, 5, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 10, cfg.Poll.MaxPolls)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Redis.Enabled)
	// untouched sections keep defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  max_attempts: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestLoadRejectsUnboundedPollBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  max_polls: 0\n  max_duration: 0s\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbounded")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"application/pdf", "image/png"}, splitList(" application/pdf, ,image/png "))
}
