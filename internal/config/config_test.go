package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3.0, cfg.EarlyStopSpeedup)
	require.Equal(t, 10, cfg.ConvergencePatience)
	require.InDelta(t, 1.414, cfg.CPuct, 1e-9)
	require.Equal(t, 5, cfg.MaxDepth)
	require.Equal(t, 2.0, cfg.MinPromoteSpeedup)
	require.Equal(t, 8, cfg.DBSlots)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_slots: 16\nrun_name: nightly\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.DBSlots)
	require.Equal(t, "nightly", cfg.RunName)
	// Unset fields keep their defaults.
	require.Equal(t, 4, cfg.APISlots)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
