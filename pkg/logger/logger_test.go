package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("chatty"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't parse log level")
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")

	log, err := NewLogger(
		WithLevel("debug"),
		WithOutputPaths([]string{path}),
		WithErrorPaths(nil),
		WithField("service", "tableforge"),
	)
	require.NoError(t, err)

	log.Named("gateway").Info("request sent", String("endpoint", "/documentupload_pdf"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"request sent"`)
	assert.Contains(t, string(data), `"logger":"gateway"`)
	assert.Contains(t, string(data), `"service":"tableforge"`)
}

func TestTestLoggerSharesEntriesAcrossChildren(t *testing.T) {
	log := NewTestLogger()
	child := log.Named("orchestrator").Named("poll").With(String("taskId", "t-1"))

	child.Warn("poll budget exhausted")
	log.Info("root entry")

	entries := log.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "orchestrator.poll", entries[0].Logger)
	assert.Len(t, entries[0].Fields, 1)
	assert.True(t, log.Contains("WARN", "budget"))
	assert.False(t, log.Contains("ERROR", "budget"))

	log.Clear()
	assert.Empty(t, log.GetEntries())
}
