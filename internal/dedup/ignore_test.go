package dedup

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"

	"videodup/internal/imgproc"
)

func writePNG(t *testing.T, path string, seed int64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, noiseImage(seed)))
	require.NoError(t, f.Close())
}

func TestLoadIgnoreSetEmptyDir(t *testing.T) {
	set, err := LoadIgnoreSet(t.TempDir(), imgproc.NewPreprocessor())
	require.NoError(t, err)
	assert.Zero(t, set.Size())

	set, err = LoadIgnoreSet(filepath.Join(t.TempDir(), "missing"), imgproc.NewPreprocessor())
	require.NoError(t, err)
	assert.Zero(t, set.Size())
}

func TestLoadIgnoreSetHashesBothOrientations(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "logo.png"), 700)

	pre := imgproc.NewPreprocessor()
	set, err := LoadIgnoreSet(dir, pre)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Size())

	img, err := os.Open(filepath.Join(dir, "logo.png"))
	require.NoError(t, err)
	decoded, err := png.Decode(img)
	require.NoError(t, err)
	require.NoError(t, img.Close())
	h, err := pre.HashImage(decoded)
	require.NoError(t, err)

	for _, probe := range []struct {
		name string
		ok   bool
	}{
		{"exact", true},
		{"mirrored", true},
	} {
		q := h
		if probe.name == "mirrored" {
			q = h.Mirror()
		}
		got, err := set.Contains(q, 0)
		require.NoError(t, err)
		assert.Equal(t, probe.ok, got, probe.name)
	}
}

func TestLoadIgnoreSetWritesManifest(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "card.png"), 701)

	_, err := LoadIgnoreSet(dir, imgproc.NewPreprocessor())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, ignoreManifest))
	require.NoError(t, err)
	var m manifest
	require.NoError(t, yaml.Unmarshal(raw, &m))
	require.Len(t, m.Entries, 1)
	assert.Equal(t, "card.png", m.Entries[0].File)
	assert.NotEmpty(t, m.Entries[0].Hash)
	assert.NotEmpty(t, m.Entries[0].Mirror)
}

// An up-to-date manifest short-circuits decoding: the cached hashes are
// used even when they disagree with the image bytes.
func TestLoadIgnoreSetUsesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.png")
	writePNG(t, path, 702)

	_, err := LoadIgnoreSet(dir, imgproc.NewPreprocessor())
	require.NoError(t, err)

	// Rewrite the manifest with a fabricated hash for the same modtime.
	info, err := os.Stat(path)
	require.NoError(t, err)
	fake := manifest{Entries: []manifestEntry{{
		File:    "intro.png",
		ModTime: info.ModTime().UnixNano(),
		Hash:    "AAAAAAAAAAE",
		Mirror:  "AAAAAAAAAAE",
	}}}
	raw, err := yaml.Marshal(fake)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ignoreManifest), raw, 0o644))

	set, err := LoadIgnoreSet(dir, imgproc.NewPreprocessor())
	require.NoError(t, err)

	got, err := set.Contains(1, 0)
	require.NoError(t, err)
	assert.True(t, got, "cached hash was trusted")
}

func TestLoadIgnoreSetRehashesModifiedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.png")
	writePNG(t, path, 703)

	_, err := LoadIgnoreSet(dir, imgproc.NewPreprocessor())
	require.NoError(t, err)

	// Fake a stale cache entry: wrong modtime forces a rehash.
	fake := manifest{Entries: []manifestEntry{{
		File:    "intro.png",
		ModTime: 1,
		Hash:    "AAAAAAAAAAE",
		Mirror:  "AAAAAAAAAAE",
	}}}
	raw, err := yaml.Marshal(fake)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ignoreManifest), raw, 0o644))

	set, err := LoadIgnoreSet(dir, imgproc.NewPreprocessor())
	require.NoError(t, err)

	got, err := set.Contains(1, 0)
	require.NoError(t, err)
	assert.False(t, got, "stale cache entry was rehashed")
}
