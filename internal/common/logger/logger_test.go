package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.WithTaskID("t-1").WithClientID("c-1").Info("dispatched", zap.Int("attempt", 2))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"task_id":"t-1"`))
	assert.True(t, strings.Contains(line, `"client_id":"c-1"`))
	assert.True(t, strings.Contains(line, `"attempt":2`))
}

func TestNewLogger_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")

	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "text"})
	require.NoError(t, err)
	assert.True(t, log.Enabled(zapcore.InfoLevel))
	assert.False(t, log.Enabled(zapcore.DebugLevel))
}

func TestDetectFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("RZAPPLY_ENV", "")
	assert.Equal(t, "text", DetectFormat())

	t.Setenv("RZAPPLY_ENV", "production")
	assert.Equal(t, "json", DetectFormat())
}

func TestDefault_UsesSetLogger(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	nop := NewNop()
	SetDefault(nop)
	assert.Same(t, nop, Default())
}
