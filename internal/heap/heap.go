// Package heap implements durable, crash-tolerant storage for fixed-size
// records on a single backing file. Records are addressed by stable ids
// that survive process restarts, and all mutation happens inside a session
// that either commits or rolls back as a whole via a backup snapshot.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

const (
	// SlotSize is the on-disk size of one record including its two header
	// bytes.
	SlotSize = 64

	// PayloadSize is the number of usable bytes per record.
	PayloadSize = SlotSize - 2

	headerSize = 40
)

var magic = [8]byte{'v', 'd', 'h', 'e', 'a', 'p', '0', '1'}

// ID addresses one record. Ids are 1-based slot indexes; NilID is never a
// valid record.
type ID uint64

// NilID is the null record id.
const NilID ID = 0

var (
	// ErrHeapCorrupt means the file header or size is inconsistent. The
	// caller should attempt recovery from the sibling backup file.
	ErrHeapCorrupt = errors.New("heap: file is corrupt")

	// ErrHeapDirty means a previous session never committed. The backup
	// holds the last consistent state.
	ErrHeapDirty = errors.New("heap: interrupted session detected")

	// ErrLocked means another process owns the heap file.
	ErrLocked = errors.New("heap: file is locked by another process")

	// ErrNoSession is returned for mutations attempted outside a session.
	ErrNoSession = errors.New("heap: mutation outside of a session")

	// ErrSessionOpen is returned when a second session is requested while
	// one is active.
	ErrSessionOpen = errors.New("heap: a session is already open")

	// ErrBadID is returned for reads or writes outside the allocated range.
	ErrBadID = errors.New("heap: record id out of range")
)

type header struct {
	count    uint64 // allocated slots, live or free
	freeHead ID
	root     ID
	dirty    bool
}

// Heap is a fixed-record arena on a backing file. It is not safe for
// concurrent use; callers funnel all access through one goroutine.
type Heap struct {
	f       *os.File
	path    string
	hdr     header
	lock    *lockFile
	session bool
}

// Open opens or creates the heap file at path. It fails with ErrHeapCorrupt
// or ErrHeapDirty when the file cannot be trusted; use OpenRecover to fall
// back to the backup automatically. Open takes an exclusive process lock on
// the file for the lifetime of the Heap.
func Open(path string) (*Heap, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	h, err := openLocked(path)
	if err != nil {
		lock.release()
		return nil, err
	}
	h.lock = lock
	return h, nil
}

func openLocked(path string) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open heap file: %w", err)
	}

	h := &Heap{f: f, path: path}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat heap file: %w", err)
	}

	if st.Size() == 0 {
		if err := h.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync new heap file: %w", err)
		}
		return h, nil
	}

	if err := h.readHeader(st.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

// OpenRecover is Open with automatic backup recovery: when the primary file
// is dirty or corrupt and a backup exists, the backup is restored over the
// primary and the open is retried once.
func OpenRecover(path string) (*Heap, error) {
	h, err := Open(path)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrHeapCorrupt) && !errors.Is(err, ErrHeapDirty) {
		return nil, err
	}

	backup := BackupPath(path)
	if _, statErr := os.Stat(backup); statErr != nil {
		return nil, fmt.Errorf("no usable backup at %s: %w", backup, err)
	}

	log.Printf("[Heap] Restoring %s from backup after: %v", path, err)
	if err := copyFile(backup, path); err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	return Open(path)
}

// BackupPath returns the sibling backup file path for a heap file.
func BackupPath(path string) string {
	return path + ".backup"
}

// Close releases the heap file and its lock. An uncommitted session is left
// dirty on disk so the next open rolls it back.
func (h *Heap) Close() error {
	err := h.f.Close()
	if h.lock != nil {
		h.lock.release()
	}
	return err
}

// Path returns the backing file path.
func (h *Heap) Path() string { return h.path }

// Root returns the root record id stored in the heap header, or NilID.
func (h *Heap) Root() ID { return h.hdr.root }

// SetRoot updates the root record id. Persisted on commit.
func (h *Heap) SetRoot(id ID) error {
	if !h.session {
		return ErrNoSession
	}
	h.hdr.root = id
	return nil
}

// Slots returns how many slots have ever been allocated, live or free.
func (h *Heap) Slots() uint64 { return h.hdr.count }

// FreeSlots walks the free list and returns its length.
func (h *Heap) FreeSlots() (int, error) {
	n := 0
	for id := h.hdr.freeHead; id != NilID; {
		buf, err := h.readSlot(id)
		if err != nil {
			return 0, err
		}
		id = ID(binary.LittleEndian.Uint64(buf[2:10]))
		n++
		if n > int(h.hdr.count) {
			return 0, fmt.Errorf("%w: free list cycle", ErrHeapCorrupt)
		}
	}
	return n, nil
}

// Alloc reserves a record and returns its id, reusing a freed slot when one
// is available.
func (h *Heap) Alloc() (ID, error) {
	if !h.session {
		return NilID, ErrNoSession
	}

	if h.hdr.freeHead != NilID {
		id := h.hdr.freeHead
		buf, err := h.readSlot(id)
		if err != nil {
			return NilID, err
		}
		h.hdr.freeHead = ID(binary.LittleEndian.Uint64(buf[2:10]))
		if err := h.writeSlot(id, 0, nil); err != nil {
			return NilID, err
		}
		return id, nil
	}

	id := ID(h.hdr.count + 1)
	if err := h.writeSlot(id, 0, nil); err != nil {
		return NilID, err
	}
	h.hdr.count++
	return id, nil
}

// Free puts a record on the free list. The caller guarantees no live
// reference to the id remains; the heap does not scan for garbage.
func (h *Heap) Free(id ID) error {
	if !h.session {
		return ErrNoSession
	}
	if err := h.checkID(id); err != nil {
		return err
	}

	var slot [SlotSize]byte
	binary.LittleEndian.PutUint64(slot[2:10], uint64(h.hdr.freeHead))
	if _, err := h.f.WriteAt(slot[:], slotOffset(id)); err != nil {
		return fmt.Errorf("free record %d: %w", id, err)
	}
	h.hdr.freeHead = id
	return nil
}

// Read returns the kind byte and payload of a live record. The returned
// slice is freshly allocated and owned by the caller.
func (h *Heap) Read(id ID) (kind byte, payload []byte, err error) {
	if err := h.checkID(id); err != nil {
		return 0, nil, err
	}
	buf, err := h.readSlot(id)
	if err != nil {
		return 0, nil, err
	}
	if buf[0] != 1 {
		return 0, nil, fmt.Errorf("%w: record %d is free", ErrBadID, id)
	}
	out := make([]byte, PayloadSize)
	copy(out, buf[2:])
	return buf[1], out, nil
}

// Write stores kind and payload in a record previously returned by Alloc.
func (h *Heap) Write(id ID, kind byte, payload []byte) error {
	if !h.session {
		return ErrNoSession
	}
	if err := h.checkID(id); err != nil {
		return err
	}
	if len(payload) > PayloadSize {
		return fmt.Errorf("heap: payload of %d bytes exceeds record size", len(payload))
	}
	return h.writeSlot(id, kind, payload)
}

func (h *Heap) checkID(id ID) error {
	if id == NilID || uint64(id) > h.hdr.count {
		return fmt.Errorf("%w: %d", ErrBadID, id)
	}
	return nil
}

func slotOffset(id ID) int64 {
	return headerSize + int64(id-1)*SlotSize
}

func (h *Heap) readSlot(id ID) ([]byte, error) {
	var buf [SlotSize]byte
	if _, err := h.f.ReadAt(buf[:], slotOffset(id)); err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return buf[:], nil
}

func (h *Heap) writeSlot(id ID, kind byte, payload []byte) error {
	var buf [SlotSize]byte
	buf[0] = 1
	buf[1] = kind
	copy(buf[2:], payload)
	if _, err := h.f.WriteAt(buf[:], slotOffset(id)); err != nil {
		return fmt.Errorf("write record %d: %w", id, err)
	}
	return nil
}

func (h *Heap) readHeader(fileSize int64) error {
	var buf [headerSize]byte
	if _, err := h.f.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: short header", ErrHeapCorrupt)
	}
	if [8]byte(buf[0:8]) != magic {
		return fmt.Errorf("%w: bad magic", ErrHeapCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != SlotSize {
		return fmt.Errorf("%w: unexpected record size", ErrHeapCorrupt)
	}
	if buf[12] == 1 {
		return ErrHeapDirty
	}

	h.hdr.count = binary.LittleEndian.Uint64(buf[16:24])
	h.hdr.freeHead = ID(binary.LittleEndian.Uint64(buf[24:32]))
	h.hdr.root = ID(binary.LittleEndian.Uint64(buf[32:40]))

	if want := headerSize + int64(h.hdr.count)*SlotSize; fileSize != want {
		return fmt.Errorf("%w: file is %d bytes, header implies %d",
			ErrHeapCorrupt, fileSize, want)
	}
	if uint64(h.hdr.freeHead) > h.hdr.count || uint64(h.hdr.root) > h.hdr.count {
		return fmt.Errorf("%w: header references beyond allocated slots", ErrHeapCorrupt)
	}
	return nil
}

func (h *Heap) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], SlotSize)
	if h.hdr.dirty {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint64(buf[16:24], h.hdr.count)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.hdr.freeHead))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.hdr.root))
	if _, err := h.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write heap header: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
