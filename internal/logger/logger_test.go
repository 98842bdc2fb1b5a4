package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/kioskworks/vendcore/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestNewFileOutputWritesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := New(config.LogConfig{
		Level:  "debug",
		Format: "json",
		Output: "file",
		File:   config.LogFileConfig{Path: dir, Filename: "core.log", MaxSize: 1},
	})
	require.NoError(t, err)

	l.Info("hopper started")
	l.Error("hopper timeout")
	require.NoError(t, l.Sync())

	main, err := os.ReadFile(filepath.Join(dir, "core.log"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "hopper started")
	assert.Contains(t, string(main), "hopper timeout")

	errs, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "hopper started")
	assert.Contains(t, string(errs), "hopper timeout")
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	_, err := New(config.LogConfig{Output: "syslog"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
