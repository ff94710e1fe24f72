package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/aispire/internal/model"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{" Warning ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
}

func TestLogging_FileAndLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	l, err := NewLogging(model.LoggingConfig{Level: "warn", MaxSizeMB: 1}, path, nil)
	require.NoError(t, err)

	l.Logger.Info().Msg("hidden")
	l.Logger.Warn().Msg("shown")
	l.SetLevel(zerolog.DebugLevel)
	assert.Equal(t, zerolog.DebugLevel, l.Level())
	l.Logger.Debug().Msg("now visible")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
	assert.Contains(t, string(data), "now visible")
}

func TestLogging_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogging(model.LoggingConfig{Level: "info", Console: true}, "", &buf)
	require.NoError(t, err)

	l.Logger.Info().Str("component", "test").Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
	assert.NoError(t, l.Close())
}

func TestLogging_Discard(t *testing.T) {
	l, err := NewLogging(model.LoggingConfig{Level: "debug"}, "", nil)
	require.NoError(t, err)
	l.Logger.Error().Msg("goes nowhere")
	assert.NoError(t, l.Close())
}
