package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleConfigHierarchy(t *testing.T) {
	cfg := NewModuleConfig(slog.LevelInfo)
	cfg.SetLevel("queue", slog.LevelWarn)
	cfg.SetLevel("queue.worker", slog.LevelDebug)

	require.Equal(t, slog.LevelInfo, cfg.LevelFor("store"))
	require.Equal(t, slog.LevelWarn, cfg.LevelFor("queue"))
	require.Equal(t, slog.LevelWarn, cfg.LevelFor("queue.retry"))
	require.Equal(t, slog.LevelDebug, cfg.LevelFor("queue.worker"))
	require.Equal(t, slog.LevelDebug, cfg.LevelFor("queue.worker.claim"))
}

func TestNewReturnsUsableLogger(t *testing.T) {
	logger := New("test.module")
	require.NotNil(t, logger)
	logger.Info("hello", "k", "v")
}
