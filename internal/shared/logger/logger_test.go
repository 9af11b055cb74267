package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/gatherly/ledger/internal/shared/config"
)

func TestNew(t *testing.T) {
	t.Run("builds json logger", func(t *testing.T) {
		l, err := New(&config.LogConfig{Level: "info", Format: "json"})
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("builds console logger", func(t *testing.T) {
		l, err := New(&config.LogConfig{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("defaults to info level", func(t *testing.T) {
		l, err := New(&config.LogConfig{Format: "json"})
		require.NoError(t, err)
		assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New(&config.LogConfig{Level: "verbose"})
		assert.Error(t, err)
	})
}
