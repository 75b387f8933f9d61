package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "heap", cfg.Index.Backend)
	assert.Equal(t, 5, cfg.Dedup.TauDup)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default file was written")
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"index": {"backend": "sqlite", "path": "idx.db"},
		"dedup": {"tau_dup": 8}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.Equal(t, 8, cfg.Dedup.TauDup)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.5, cfg.Dedup.MoveFraction)
	assert.Equal(t, "review", cfg.ReviewDir)
}

func TestDefaultEnablesOneColorGate(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 90.0, cfg.Preproc.OneColorThreshold)
	assert.Equal(t, 20, cfg.Preproc.OneColorTolerance)
}

func TestLoadOverridesOneColorGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"index": {"backend": "heap", "path": "x"},
		"preproc": {"one_color_threshold": -1}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, -1.0, cfg.Preproc.OneColorThreshold)
	assert.Equal(t, 20, cfg.Preproc.OneColorTolerance)
}

func TestLoadRejectsBadTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"index": {"backend": "heap", "path": "x"},
		"preproc": {"one_color_tolerance": 300}
	}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"index": {"backend": "redis", "path": "x"}
	}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadRadius(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"index": {"backend": "heap", "path": "x"},
		"dedup": {"tau_dup": 65}
	}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestIsVideo(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.IsVideo("dir/movie.mkv"))
	assert.True(t, cfg.IsVideo("MOVIE.MP4"))
	assert.False(t, cfg.IsVideo("notes.txt"))
	assert.False(t, cfg.IsVideo("movie"))
}
