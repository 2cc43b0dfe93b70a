package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFactoryRejectsLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"

	_, err := NewFactory(cfg)
	assert.Error(t, err)
}

func TestFactoryModuleLevels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "logs", "nvstream.log")
	cfg.Format = "json"
	cfg.ModuleLevels["ring"] = "debug"

	f, err := NewFactory(cfg)
	require.NoError(t, err)

	ring := f.Logger("ring")
	assert.Same(t, ring, f.Logger("ring"))
	assert.True(t, ring.Core().Enabled(zapcore.DebugLevel), "ring logger should log debug")
	assert.False(t, f.Logger("stream").Core().Enabled(zapcore.DebugLevel))

	ring.Debug("Submitted entries")
	require.NoError(t, f.Sync())

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logger":"ring"`)
	assert.Contains(t, string(data), "Submitted entries")
}
