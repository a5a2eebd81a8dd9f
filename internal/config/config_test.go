package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 150, cfg.SegmentFramesCap)
	require.Equal(t, 3, cfg.WorkerCount)
	require.Equal(t, 0, cfg.RetentionDays)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retentionDays: 30\nworkerCount: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.RetentionDays)
	require.Equal(t, 8, cfg.WorkerCount)
	require.Equal(t, 150, cfg.SegmentFramesCap) // untouched default survives
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workerCount: 8\n"), 0o644))

	t.Setenv("RETRACE_WORKER_COUNT", "12")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.WorkerCount)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/retrace.yaml")
	require.NoError(t, err)
	require.Equal(t, Default().StorageRoot, cfg.StorageRoot)
}
