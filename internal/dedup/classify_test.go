package dedup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videodup/internal/hash"
	"videodup/internal/index"
)

func frameOf(h hash.Hash, sec int) HashedFrame {
	return HashedFrame{
		TS:     time.Duration(sec) * time.Second,
		Hash:   h,
		Mirror: h.Mirror(),
	}
}

func TestClassifyUnique(t *testing.T) {
	c := &Classifier{Index: index.New(index.NewMemStore()), TauDup: 5}

	res, err := c.Classify(frameOf(0xfeedface, 0))
	require.NoError(t, err)
	assert.Equal(t, Unique, res.Class)
	assert.Empty(t, res.Matches)
}

func TestClassifyDuplicate(t *testing.T) {
	tree := index.New(index.NewMemStore())
	stored := hash.Hash(0xfeedface)
	require.NoError(t, tree.Insert(stored, index.Entry{Video: "old.mkv", Offset: time.Minute}))

	c := &Classifier{Index: tree, TauDup: 5}

	res, err := c.Classify(frameOf(stored^0b11, 0))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Class)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "old.mkv", res.Matches[0].Entry.Video)
	assert.Equal(t, 2, res.Matches[0].Distance)
}

// A mirrored copy of an indexed frame must produce exactly one match,
// not one per query orientation.
func TestClassifyMirrorCollapsesToOneMatch(t *testing.T) {
	tree := index.New(index.NewMemStore())
	stored := hash.Hash(0x0123456789abcdef)
	require.NoError(t, tree.Insert(stored, index.Entry{Video: "old.mkv", Offset: time.Minute}))

	c := &Classifier{Index: tree, TauDup: 5}

	// The incoming frame is the flip of the stored one, so only the
	// mirrored query hits.
	res, err := c.Classify(frameOf(stored.Mirror(), 0))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Class)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "old.mkv@60000", res.Matches[0].Entry.Key())
}

func TestClassifyMergedMatchKeepsCloserDistance(t *testing.T) {
	// Both orientations of the same payload are indexed, so both queries
	// hit; the merge must report one match at the closer distance.
	tree := index.New(index.NewMemStore())
	stored := hash.Hash(0xf0f0f0f0f0f0f0f0)
	require.NoError(t, tree.Insert(stored, index.Entry{Video: "v.mkv"}))
	require.NoError(t, tree.Insert(stored.Mirror(), index.Entry{Video: "v.mkv"}))

	c := &Classifier{Index: tree, TauDup: 64}
	res, err := c.Classify(frameOf(stored, 0))
	require.NoError(t, err)
	// Both stored orientations share the payload key, so one match.
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 0, res.Matches[0].Distance)
}

func TestClassifyIgnorePrecedesDuplicate(t *testing.T) {
	tree := index.New(index.NewMemStore())
	h := hash.Hash(0xdeadbeef00c0ffee)
	require.NoError(t, tree.Insert(h, index.Entry{Video: "old.mkv"}))

	ignore := &IgnoreSet{tree: index.New(index.NewMemStore())}
	require.NoError(t, ignore.Add(h))

	c := &Classifier{Index: tree, Ignore: ignore, TauDup: 5, TauIgnore: 3}

	res, err := c.Classify(frameOf(h, 0))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Class)
	assert.Empty(t, res.Matches)
}

func TestClassifyIgnoreMatchesMirroredFrame(t *testing.T) {
	ignore := &IgnoreSet{tree: index.New(index.NewMemStore())}
	h := hash.Hash(0x1122334455667788)
	require.NoError(t, ignore.Add(h))

	c := &Classifier{Index: index.New(index.NewMemStore()), Ignore: ignore, TauIgnore: 2}

	res, err := c.Classify(frameOf(h.Mirror(), 0))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Class)
}

// Every frame of an identical re-encode collides, so the duplicate
// fraction reaches 1.
func TestIdenticalVideoFullyDuplicate(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	tree := index.New(index.NewMemStore())

	var hs []hash.Hash
	for i := 0; i < 20; i++ {
		h := hash.Hash(rng.Uint64())
		hs = append(hs, h)
		require.NoError(t, tree.Insert(h, index.Entry{
			Video:  "kept.mkv",
			Offset: time.Duration(i) * 10 * time.Second,
		}))
	}

	c := &Classifier{Index: tree, TauDup: 5}
	var results []FrameResult
	for i, h := range hs {
		res, err := c.Classify(frameOf(h^1, i*10))
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, 1.0, DuplicateFraction(results))

	events := BuildEvents(results, 3, 30*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, Segment, events[0].Kind)
	assert.Equal(t, "kept.mkv", events[0].Other)
	assert.Equal(t, 20, events[0].Frames)
}
