package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardLogger(t *testing.T) {
	logger := NewStandardLogger("debug")
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger())
	assert.NotNil(t, logger.WithComponent("estimator"))
	assert.NotNil(t, logger.WithRunID("run-1"))
	assert.NotNil(t, logger.WithStrategy("shrinkage"))
}

func TestNewStandardOTLPLoggerDisabled(t *testing.T) {
	logger := NewStandardOTLPLogger(OTLPConfig{Enabled: false, LogLevel: "info"})
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger())
}

func TestGetSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
	}
	for in, want := range cases {
		assert.Equal(t, want, getSlogLevel(in), "level %q", in)
	}
}

func TestConvertSlogLevelToSeverity(t *testing.T) {
	assert.NotEqual(t, convertSlogLevelToSeverity(slog.LevelDebug), convertSlogLevelToSeverity(slog.LevelError))
}
