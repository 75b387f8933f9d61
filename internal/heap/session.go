package heap

import (
	"fmt"
	"log"
)

// Session scopes a mutating run against the heap. Begin snapshots the file
// to the sibling backup before any mutation is allowed and marks the heap
// dirty; Commit persists the header and clears the mark. A session that
// never commits (crash, error, plain return) leaves the dirty mark in
// place, and the next OpenRecover rolls the whole session back by restoring
// the backup. This is the ordering the crash guarantee depends on:
// backup-copy, then mutate, then commit marker.
type Session struct {
	h    *Heap
	done bool
}

// Begin starts the single mutating session. The previous backup, which was
// the snapshot of the session before last, is superseded here and only
// here: a mid-session failure never touches it.
func (h *Heap) Begin() (*Session, error) {
	if h.session {
		return nil, ErrSessionOpen
	}

	if err := h.f.Sync(); err != nil {
		return nil, fmt.Errorf("sync before backup: %w", err)
	}
	if err := copyFile(h.path, BackupPath(h.path)); err != nil {
		return nil, fmt.Errorf("snapshot heap to backup: %w", err)
	}
	log.Printf("[Heap] Backed up %s", h.path)

	h.hdr.dirty = true
	if err := h.writeHeader(); err != nil {
		h.hdr.dirty = false
		return nil, err
	}
	if err := h.f.Sync(); err != nil {
		h.hdr.dirty = false
		return nil, fmt.Errorf("sync dirty marker: %w", err)
	}

	h.session = true
	return &Session{h: h}, nil
}

// Commit makes every mutation of the session durable and clears the dirty
// marker. After Commit the backup still holds the pre-session snapshot.
func (s *Session) Commit() error {
	if s.done {
		return fmt.Errorf("heap: session already finished")
	}
	h := s.h

	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync session data: %w", err)
	}

	h.hdr.dirty = false
	if err := h.writeHeader(); err != nil {
		h.hdr.dirty = true
		return err
	}
	if err := h.f.Sync(); err != nil {
		h.hdr.dirty = true
		return fmt.Errorf("sync commit marker: %w", err)
	}

	h.session = false
	s.done = true
	return nil
}
