package heap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempHeap(t *testing.T) (*Heap, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vdb")
	h, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, path
}

func TestAllocWriteRead(t *testing.T) {
	h, _ := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)

	id, err := h.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, NilID, id)

	require.NoError(t, h.Write(id, 7, []byte("hello")))

	kind, payload, err := h.Read(id)
	require.NoError(t, err)
	assert.Equal(t, byte(7), kind)
	assert.Equal(t, []byte("hello"), payload[:5])

	require.NoError(t, s.Commit())
}

func TestMutationOutsideSession(t *testing.T) {
	h, _ := tempHeap(t)

	_, err := h.Alloc()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.Write(1, 0, nil), ErrNoSession)
	assert.ErrorIs(t, h.Free(1), ErrNoSession)
	assert.ErrorIs(t, h.SetRoot(1), ErrNoSession)
}

func TestOnlyOneSession(t *testing.T) {
	h, _ := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)
	_, err = h.Begin()
	assert.ErrorIs(t, err, ErrSessionOpen)
	require.NoError(t, s.Commit())

	// A new session may start after commit.
	s2, err := h.Begin()
	require.NoError(t, err)
	require.NoError(t, s2.Commit())
}

func TestPersistsAcrossReopen(t *testing.T) {
	h, path := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)
	id, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(id, 3, []byte("persisted")))
	require.NoError(t, h.SetRoot(id))
	require.NoError(t, s.Commit())
	require.NoError(t, h.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, id, h2.Root())
	kind, payload, err := h2.Read(id)
	require.NoError(t, err)
	assert.Equal(t, byte(3), kind)
	assert.Equal(t, []byte("persisted"), payload[:9])
}

func TestFreeListReuse(t *testing.T) {
	h, _ := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)

	a, err := h.Alloc()
	require.NoError(t, err)
	b, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(a, 1, nil))
	require.NoError(t, h.Write(b, 1, nil))

	require.NoError(t, h.Free(a))
	free, err := h.FreeSlots()
	require.NoError(t, err)
	assert.Equal(t, 1, free)

	c, err := h.Alloc()
	require.NoError(t, err)
	assert.Equal(t, a, c, "freed slot should be reused")
	assert.Equal(t, uint64(2), h.Slots(), "no new slot should be appended")

	free, err = h.FreeSlots()
	require.NoError(t, err)
	assert.Equal(t, 0, free)

	require.NoError(t, s.Commit())
}

func TestReadFreeRecordFails(t *testing.T) {
	h, _ := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)
	id, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(id, 1, nil))
	require.NoError(t, h.Free(id))

	_, _, err = h.Read(id)
	assert.ErrorIs(t, err, ErrBadID)

	_, _, err = h.Read(ID(99))
	assert.ErrorIs(t, err, ErrBadID)

	require.NoError(t, s.Commit())
}

func TestUncommittedSessionRollsBack(t *testing.T) {
	h, path := tempHeap(t)

	// Committed baseline: one record.
	s, err := h.Begin()
	require.NoError(t, err)
	id, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(id, 2, []byte("keep")))
	require.NoError(t, h.SetRoot(id))
	require.NoError(t, s.Commit())

	// Interrupted session: insert more, never commit.
	_, err = h.Begin()
	require.NoError(t, err)
	id2, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(id2, 2, []byte("lost")))
	require.NoError(t, h.Close())

	// Plain open refuses the dirty file.
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrHeapDirty)

	// Recovery restores the committed state exactly.
	h2, err := OpenRecover(path)
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, uint64(1), h2.Slots())
	assert.Equal(t, id, h2.Root())
	kind, payload, err := h2.Read(id)
	require.NoError(t, err)
	assert.Equal(t, byte(2), kind)
	assert.Equal(t, []byte("keep"), payload[:4])
}

func TestCorruptHeaderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vdb")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a heap file, but long enough to hold a header"), 0o644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrHeapCorrupt)
}

func TestTruncatedFileRejected(t *testing.T) {
	h, path := tempHeap(t)
	s, err := h.Begin()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		id, err := h.Alloc()
		require.NoError(t, err)
		require.NoError(t, h.Write(id, 1, nil))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, h.Close())

	require.NoError(t, os.Truncate(path, headerSize+2*SlotSize))

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrHeapCorrupt)
}

func TestLockConflict(t *testing.T) {
	h, path := tempHeap(t)
	_ = h

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestStaleLockBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vdb")
	// A lock owned by a pid that cannot exist anymore.
	require.NoError(t, os.WriteFile(path+".lock",
		[]byte(`{"pid": 999999999, "hostname": "`+mustHostname()+`"}`), 0o644))

	h, err := Open(path)
	require.NoError(t, err)
	h.Close()
}

func mustHostname() string {
	h, _ := os.Hostname()
	return h
}

func TestBackupSupersededOnNextSession(t *testing.T) {
	h, path := tempHeap(t)

	s, err := h.Begin()
	require.NoError(t, err)
	id, err := h.Alloc()
	require.NoError(t, err)
	require.NoError(t, h.Write(id, 1, []byte("v1")))
	require.NoError(t, s.Commit())

	st1, err := os.Stat(BackupPath(path))
	require.NoError(t, err)
	// Backup from the first session snapshots the empty heap.
	assert.Equal(t, int64(headerSize), st1.Size())

	s2, err := h.Begin()
	require.NoError(t, err)
	require.NoError(t, s2.Commit())

	st2, err := os.Stat(BackupPath(path))
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize+SlotSize), st2.Size(),
		"second session should snapshot the one-record heap")
}
