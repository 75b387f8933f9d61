package index

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videodup/internal/hash"
	"videodup/internal/heap"
)

func entryAt(video string, sec int) Entry {
	return Entry{Video: video, Offset: time.Duration(sec) * time.Second}
}

// eachStore runs the test once per backend so tree semantics are checked
// against all three NodeStore implementations.
func eachStore(t *testing.T, run func(t *testing.T, store NodeStore)) {
	t.Helper()

	t.Run("mem", func(t *testing.T) {
		run(t, NewMemStore())
	})
	t.Run("heap", func(t *testing.T) {
		h, err := heap.Open(filepath.Join(t.TempDir(), "index.heap"))
		require.NoError(t, err)
		store := NewHeapStore(h)
		defer store.Close()
		require.NoError(t, store.Begin())
		run(t, store)
		require.NoError(t, store.Commit())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
		require.NoError(t, err)
		defer store.Close()
		require.NoError(t, store.Begin())
		run(t, store)
		require.NoError(t, store.Commit())
	})
}

func TestInsertThenFindExact(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		tree := New(store)

		h := hash.Hash(0xdeadbeefcafef00d)
		require.NoError(t, tree.Insert(h, entryAt("a.mkv", 1)))
		require.NoError(t, tree.Insert(h^1, entryAt("b.mkv", 2)))

		matches, err := tree.QueryWithin(h, 0)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a.mkv", matches[0].Entry.Video)
		assert.Equal(t, 0, matches[0].Distance)

		matches, err = tree.QueryWithin(h, 1)
		require.NoError(t, err)
		assert.Len(t, matches, 2)
	})
}

func TestEqualHashesShareOneNode(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		tree := New(store)

		h := hash.Hash(42)
		for i := 0; i < 4; i++ {
			require.NoError(t, tree.Insert(h, entryAt("v.mkv", i)))
		}

		nodes, entries, err := tree.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, nodes)
		assert.Equal(t, 4, entries)
	})
}

// TestQueryMatchesLinearScan checks the pruned tree walk against a brute
// force scan over the same data, across radii and backends.
func TestQueryMatchesLinearScan(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		rng := rand.New(rand.NewSource(7))
		tree := New(store)

		type stored struct {
			h hash.Hash
			e Entry
		}
		var all []stored
		for i := 0; i < 200; i++ {
			h := hash.Hash(rng.Uint64())
			e := entryAt(fmt.Sprintf("v%03d.mkv", i%20), i)
			require.NoError(t, tree.Insert(h, e))
			all = append(all, stored{h, e})
		}

		for _, tau := range []int{0, 3, 10, 25, 64} {
			q := hash.Hash(rng.Uint64())

			var want []string
			for _, s := range all {
				if hash.Distance(q, s.h) <= tau {
					want = append(want, s.e.Key())
				}
			}
			sort.Strings(want)

			matches, err := tree.QueryWithin(q, tau)
			require.NoError(t, err)
			var got []string
			for _, m := range matches {
				assert.Equal(t, hash.Distance(q, m.Hash), m.Distance)
				got = append(got, m.Entry.Key())
			}
			sort.Strings(got)

			assert.Equal(t, want, got, "radius %d", tau)
		}
	})
}

func TestDeleteVideoCascades(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		rng := rand.New(rand.NewSource(11))
		tree := New(store)

		for i := 0; i < 60; i++ {
			video := "keep.mkv"
			if i%3 == 0 {
				video = "gone.mkv"
			}
			require.NoError(t, tree.Insert(hash.Hash(rng.Uint64()), entryAt(video, i)))
		}

		removed, err := tree.DeleteVideo("gone.mkv")
		require.NoError(t, err)
		assert.Equal(t, 20, removed)

		videos, err := tree.Videos()
		require.NoError(t, err)
		assert.NotContains(t, videos, "gone.mkv")
		assert.Equal(t, 40, videos["keep.mkv"])

		// Interior nodes vacated by the delete must not break queries.
		matches, err := tree.QueryWithin(0, 64)
		require.NoError(t, err)
		assert.Len(t, matches, 40)
		for _, m := range matches {
			assert.Equal(t, "keep.mkv", m.Entry.Video)
		}
	})
}

func TestDeleteEverythingEmptiesTree(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		rng := rand.New(rand.NewSource(13))
		tree := New(store)

		for i := 0; i < 30; i++ {
			require.NoError(t, tree.Insert(hash.Hash(rng.Uint64()), entryAt("v.mkv", i)))
		}

		removed, err := tree.DeleteWhere(func(hash.Hash, Entry) bool { return true })
		require.NoError(t, err)
		assert.Equal(t, 30, removed)

		nodes, entries, err := tree.Count()
		require.NoError(t, err)
		assert.Zero(t, nodes)
		assert.Zero(t, entries)

		root, err := store.Root()
		require.NoError(t, err)
		assert.Equal(t, NilNode, root)

		// The emptied tree accepts new inserts.
		require.NoError(t, tree.Insert(1, entryAt("again.mkv", 0)))
		matches, err := tree.QueryWithin(1, 0)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
}

func TestEvictRandom(t *testing.T) {
	eachStore(t, func(t *testing.T, store NodeStore) {
		rng := rand.New(rand.NewSource(17))
		tree := New(store)

		for i := 0; i < 8; i++ {
			video := fmt.Sprintf("v%d.mkv", i)
			for j := 0; j < 3; j++ {
				require.NoError(t, tree.Insert(hash.Hash(rng.Uint64()), entryAt(video, j)))
			}
		}

		evicted, err := tree.EvictRandom(3, rng)
		require.NoError(t, err)
		assert.Len(t, evicted, 3)

		videos, err := tree.Videos()
		require.NoError(t, err)
		assert.Len(t, videos, 5)
		for _, v := range evicted {
			assert.NotContains(t, videos, v)
		}
	})
}

func TestExportImportRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	src := New(NewMemStore())
	for i := 0; i < 100; i++ {
		e := Entry{
			Video:    fmt.Sprintf("clips/v%02d.mkv", i%10),
			Offset:   time.Duration(rng.Intn(90_000)) * time.Millisecond,
			Mirrored: i%4 == 0,
		}
		require.NoError(t, src.Insert(hash.Hash(rng.Uint64()), e))
	}

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))
	exported := buf.String()

	dst := New(NewMemStore())
	n, err := Import(bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	var again bytes.Buffer
	require.NoError(t, dst.Export(&again))
	assert.Equal(t, exported, again.String())

	srcLines, err := src.List()
	require.NoError(t, err)
	dstLines, err := dst.List()
	require.NoError(t, err)
	assert.Equal(t, srcLines, dstLines)
}

func TestImportRejectsMalformedLine(t *testing.T) {
	tree := New(NewMemStore())

	in := "AAAAAAAAAAA\tv.mkv\t1000\tN\nnot-a-line\n"
	_, err := Import(bytes.NewReader([]byte(in)), tree)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadFormat)
	assert.Contains(t, err.Error(), "line 2")
}

func TestImportSkipsBlankLines(t *testing.T) {
	tree := New(NewMemStore())

	in := "\nAAAAAAAAAAA\tv.mkv\t1000\tM\n\n"
	n, err := Import(bytes.NewReader([]byte(in)), tree)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := tree.QueryWithin(0, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Entry.Mirrored)
	assert.Equal(t, time.Second, matches[0].Entry.Offset)
}

func TestListSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	tree := New(NewMemStore())
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(hash.Hash(rng.Uint64()), entryAt("v.mkv", i)))
	}

	lines, err := tree.List()
	require.NoError(t, err)
	require.Len(t, lines, 50)
	assert.True(t, sort.StringsAreSorted(lines))
}

// Long video paths exercise the chained blob records of the heap backend.
func TestHeapStoreLongVideoPaths(t *testing.T) {
	h, err := heap.Open(filepath.Join(t.TempDir(), "index.heap"))
	require.NoError(t, err)
	store := NewHeapStore(h)
	defer store.Close()

	require.NoError(t, store.Begin())
	tree := New(store)

	long := "archive/2024/series-name-with-a-rather-long-title/season-03/" +
		"episode-07-the-one-with-the-very-long-filename-1080p-x265.mkv"
	require.NoError(t, tree.Insert(hash.Hash(0xabc), Entry{Video: long, Offset: time.Minute}))
	require.NoError(t, tree.Insert(hash.Hash(0xabc), Entry{Video: "", Offset: 2 * time.Minute}))
	require.NoError(t, store.Commit())

	matches, err := tree.QueryWithin(hash.Hash(0xabc), 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	got := map[string]bool{}
	for _, m := range matches {
		got[m.Entry.Video] = true
	}
	assert.True(t, got[long])
	assert.True(t, got[""])
}

func TestHeapStoreReusesSlotsAfterDelete(t *testing.T) {
	h, err := heap.Open(filepath.Join(t.TempDir(), "index.heap"))
	require.NoError(t, err)
	store := NewHeapStore(h)
	defer store.Close()

	tree := New(store)

	rng := rand.New(rand.NewSource(31))
	hashes := make([]hash.Hash, 40)
	for i := range hashes {
		hashes[i] = hash.Hash(rng.Uint64())
	}

	require.NoError(t, store.Begin())
	for i, hv := range hashes {
		require.NoError(t, tree.Insert(hv, entryAt("v.mkv", i)))
	}
	require.NoError(t, store.Commit())

	allocated := store.Heap().Slots()

	require.NoError(t, store.Begin())
	removed, err := tree.DeleteVideo("v.mkv")
	require.NoError(t, err)
	require.Equal(t, 40, removed)
	require.NoError(t, store.Commit())

	// The file never shrinks: freed slots go on the free list.
	assert.Equal(t, allocated, store.Heap().Slots())
	free, err := store.Heap().FreeSlots()
	require.NoError(t, err)
	assert.Greater(t, free, 0)

	require.NoError(t, store.Begin())
	for i, hv := range hashes {
		require.NoError(t, tree.Insert(hv, entryAt("w.mkv", i)))
	}
	require.NoError(t, store.Commit())

	// The identical hash sequence rebuilds the same tree shape, so it
	// fits exactly inside the freed slots.
	assert.Equal(t, allocated, store.Heap().Slots())
	free, err = store.Heap().FreeSlots()
	require.NoError(t, err)
	assert.Equal(t, 0, free)
}

func TestHeapStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.heap")

	h, err := heap.Open(path)
	require.NoError(t, err)
	store := NewHeapStore(h)
	tree := New(store)

	rng := rand.New(rand.NewSource(37))
	want := map[string]int{}
	require.NoError(t, store.Begin())
	for i := 0; i < 50; i++ {
		e := entryAt(fmt.Sprintf("v%d.mkv", i%5), i)
		require.NoError(t, tree.Insert(hash.Hash(rng.Uint64()), e))
		want[e.Video]++
	}
	require.NoError(t, store.Commit())
	require.NoError(t, store.Close())

	h, err = heap.Open(path)
	require.NoError(t, err)
	store = NewHeapStore(h)
	defer store.Close()

	videos, err := New(store).Videos()
	require.NoError(t, err)
	assert.Equal(t, want, videos)
}
