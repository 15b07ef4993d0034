package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"relaymail/backend/internal/config"
)

func TestNewLogger_LevelFallback(t *testing.T) {
	log, err := NewLogger(config.LogConfig{Level: "verbose"})
	require.NoError(t, err)

	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_WritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "relaymail.log")

	log, err := NewLogger(config.LogConfig{Level: "debug", File: file})
	require.NoError(t, err)

	log.Info("forward ok")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "forward ok")
	assert.Contains(t, string(data), `"logger":"relaymail"`)
}
