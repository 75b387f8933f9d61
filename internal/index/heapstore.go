package index

import (
	"encoding/binary"
	"fmt"
	"time"

	"videodup/internal/hash"
	"videodup/internal/heap"
)

// Record kinds inside the heap. Every tree structure is built from
// fixed-size records chained by id: nodes point at an entry chain and a
// bucket chain, buckets hold a handful of distance-labeled child ids and
// chain to a sibling when full, and video paths spill across blob records.
const (
	kindNode   byte = 1
	kindBucket byte = 2
	kindEntry  byte = 3
	kindBlob   byte = 4
)

const (
	// bucketCap child labels fit one bucket record; more children chain
	// through sibling buckets.
	bucketCap = 5

	// blobChunk is the number of path bytes per blob record: payload minus
	// the next-id and length fields.
	blobChunk = heap.PayloadSize - 9
)

// HeapStore persists tree nodes in a heap arena. The index holds only ids;
// every access re-resolves record contents through the heap, so the file
// can be reopened across process restarts without dangling state.
type HeapStore struct {
	h       *heap.Heap
	session *heap.Session
}

// NewHeapStore wraps an open heap.
func NewHeapStore(h *heap.Heap) *HeapStore {
	return &HeapStore{h: h}
}

// Heap exposes the underlying arena for stats.
func (s *HeapStore) Heap() *heap.Heap { return s.h }

func (s *HeapStore) Begin() error {
	sess, err := s.h.Begin()
	if err != nil {
		return err
	}
	s.session = sess
	return nil
}

func (s *HeapStore) Commit() error {
	if s.session == nil {
		return heap.ErrNoSession
	}
	err := s.session.Commit()
	s.session = nil
	return err
}

func (s *HeapStore) Close() error { return s.h.Close() }

func (s *HeapStore) Root() (NodeID, error) { return NodeID(s.h.Root()), nil }

func (s *HeapStore) SetRoot(id NodeID) error { return s.h.SetRoot(heap.ID(id)) }

// node record: hash(8) | entries head(8) | bucket head(8)

func (s *HeapStore) Create(h hash.Hash, e Entry) (NodeID, error) {
	entryID, err := s.writeEntry(e, heap.NilID)
	if err != nil {
		return NilNode, err
	}

	id, err := s.h.Alloc()
	if err != nil {
		return NilNode, err
	}
	var payload [24]byte
	binary.LittleEndian.PutUint64(payload[0:8], uint64(h))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(entryID))
	binary.LittleEndian.PutUint64(payload[16:24], uint64(heap.NilID))
	if err := s.h.Write(id, kindNode, payload[:]); err != nil {
		return NilNode, err
	}
	return NodeID(id), nil
}

func (s *HeapStore) Node(id NodeID) (*Node, error) {
	h, entriesHead, bucketHead, err := s.readNode(heap.ID(id))
	if err != nil {
		return nil, err
	}

	n := &Node{Hash: h, Children: make(map[int]NodeID)}

	for eid := entriesHead; eid != heap.NilID; {
		e, next, err := s.readEntry(eid)
		if err != nil {
			return nil, err
		}
		n.Entries = append(n.Entries, e)
		eid = next
	}

	for bid := bucketHead; bid != heap.NilID; {
		next, children, err := s.readBucket(bid)
		if err != nil {
			return nil, err
		}
		for label, child := range children {
			n.Children[label] = child
		}
		bid = next
	}
	return n, nil
}

func (s *HeapStore) readNode(id heap.ID) (h hash.Hash, entriesHead, bucketHead heap.ID, err error) {
	kind, payload, err := s.h.Read(id)
	if err != nil {
		return 0, 0, 0, err
	}
	if kind != kindNode {
		return 0, 0, 0, fmt.Errorf("heapstore: record %d is kind %d, want node", id, kind)
	}
	h = hash.Hash(binary.LittleEndian.Uint64(payload[0:8]))
	entriesHead = heap.ID(binary.LittleEndian.Uint64(payload[8:16]))
	bucketHead = heap.ID(binary.LittleEndian.Uint64(payload[16:24]))
	return h, entriesHead, bucketHead, nil
}

func (s *HeapStore) writeNode(id heap.ID, h hash.Hash, entriesHead, bucketHead heap.ID) error {
	var payload [24]byte
	binary.LittleEndian.PutUint64(payload[0:8], uint64(h))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(entriesHead))
	binary.LittleEndian.PutUint64(payload[16:24], uint64(bucketHead))
	return s.h.Write(id, kindNode, payload[:])
}

// bucket record: sibling(8) | count(1) | count x (label(1) child(8))

func (s *HeapStore) readBucket(id heap.ID) (next heap.ID, children map[int]NodeID, err error) {
	kind, payload, err := s.h.Read(id)
	if err != nil {
		return 0, nil, err
	}
	if kind != kindBucket {
		return 0, nil, fmt.Errorf("heapstore: record %d is kind %d, want bucket", id, kind)
	}
	next = heap.ID(binary.LittleEndian.Uint64(payload[0:8]))
	count := int(payload[8])
	if count > bucketCap {
		return 0, nil, fmt.Errorf("heapstore: bucket %d claims %d children", id, count)
	}
	children = make(map[int]NodeID, count)
	for i := 0; i < count; i++ {
		off := 9 + i*9
		label := int(payload[off])
		child := NodeID(binary.LittleEndian.Uint64(payload[off+1 : off+9]))
		children[label] = child
	}
	return next, children, nil
}

func (s *HeapStore) writeBucket(id heap.ID, next heap.ID, labels []int, children []NodeID) error {
	var payload [heap.PayloadSize]byte
	binary.LittleEndian.PutUint64(payload[0:8], uint64(next))
	payload[8] = byte(len(labels))
	for i := range labels {
		off := 9 + i*9
		payload[off] = byte(labels[i])
		binary.LittleEndian.PutUint64(payload[off+1:off+9], uint64(children[i]))
	}
	return s.h.Write(id, kindBucket, payload[:])
}

func (s *HeapStore) SetChild(parent NodeID, label int, child NodeID) error {
	h, entriesHead, bucketHead, err := s.readNode(heap.ID(parent))
	if err != nil {
		return err
	}

	if bucketHead == heap.NilID {
		bid, err := s.h.Alloc()
		if err != nil {
			return err
		}
		if err := s.writeBucket(bid, heap.NilID, []int{label}, []NodeID{child}); err != nil {
			return err
		}
		return s.writeNode(heap.ID(parent), h, entriesHead, bid)
	}

	// Find a bucket with room, or the tail to chain a sibling onto.
	bid := bucketHead
	for {
		next, children, err := s.readBucket(bid)
		if err != nil {
			return err
		}
		if len(children) < bucketCap {
			labels, ids := flattenChildren(children)
			labels = append(labels, label)
			ids = append(ids, child)
			return s.writeBucket(bid, next, labels, ids)
		}
		if next == heap.NilID {
			sibling, err := s.h.Alloc()
			if err != nil {
				return err
			}
			if err := s.writeBucket(sibling, heap.NilID, []int{label}, []NodeID{child}); err != nil {
				return err
			}
			labels, ids := flattenChildren(children)
			return s.writeBucket(bid, sibling, labels, ids)
		}
		bid = next
	}
}

func (s *HeapStore) RemoveChild(parent NodeID, label int) error {
	_, _, bucketHead, err := s.readNode(heap.ID(parent))
	if err != nil {
		return err
	}

	for bid := bucketHead; bid != heap.NilID; {
		next, children, err := s.readBucket(bid)
		if err != nil {
			return err
		}
		if _, ok := children[label]; ok {
			delete(children, label)
			labels, ids := flattenChildren(children)
			return s.writeBucket(bid, next, labels, ids)
		}
		bid = next
	}
	return fmt.Errorf("heapstore: node %d has no child at distance %d", parent, label)
}

func flattenChildren(children map[int]NodeID) ([]int, []NodeID) {
	labels := make([]int, 0, len(children)+1)
	ids := make([]NodeID, 0, len(children)+1)
	for l, c := range children {
		labels = append(labels, l)
		ids = append(ids, c)
	}
	return labels, ids
}

// entry record: next(8) | video blob head(8) | offset ms(8) | mirrored(1)

func (s *HeapStore) writeEntry(e Entry, next heap.ID) (heap.ID, error) {
	videoID, err := s.writeString(e.Video)
	if err != nil {
		return heap.NilID, err
	}

	id, err := s.h.Alloc()
	if err != nil {
		return heap.NilID, err
	}
	var payload [25]byte
	binary.LittleEndian.PutUint64(payload[0:8], uint64(next))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(videoID))
	binary.LittleEndian.PutUint64(payload[16:24], uint64(e.Offset.Milliseconds()))
	if e.Mirrored {
		payload[24] = 1
	}
	if err := s.h.Write(id, kindEntry, payload[:]); err != nil {
		return heap.NilID, err
	}
	return id, nil
}

func (s *HeapStore) readEntry(id heap.ID) (Entry, heap.ID, error) {
	kind, payload, err := s.h.Read(id)
	if err != nil {
		return Entry{}, 0, err
	}
	if kind != kindEntry {
		return Entry{}, 0, fmt.Errorf("heapstore: record %d is kind %d, want entry", id, kind)
	}
	next := heap.ID(binary.LittleEndian.Uint64(payload[0:8]))
	videoID := heap.ID(binary.LittleEndian.Uint64(payload[8:16]))
	offsetMs := int64(binary.LittleEndian.Uint64(payload[16:24]))

	video, err := s.readString(videoID)
	if err != nil {
		return Entry{}, 0, err
	}
	return Entry{
		Video:    video,
		Offset:   time.Duration(offsetMs) * time.Millisecond,
		Mirrored: payload[24] == 1,
	}, next, nil
}

func (s *HeapStore) AddEntry(id NodeID, e Entry) error {
	h, entriesHead, bucketHead, err := s.readNode(heap.ID(id))
	if err != nil {
		return err
	}
	eid, err := s.writeEntry(e, entriesHead)
	if err != nil {
		return err
	}
	return s.writeNode(heap.ID(id), h, eid, bucketHead)
}

func (s *HeapStore) SetEntries(id NodeID, entries []Entry) error {
	h, entriesHead, bucketHead, err := s.readNode(heap.ID(id))
	if err != nil {
		return err
	}
	if err := s.freeEntryChain(entriesHead); err != nil {
		return err
	}

	head := heap.NilID
	for i := len(entries) - 1; i >= 0; i-- {
		head, err = s.writeEntry(entries[i], head)
		if err != nil {
			return err
		}
	}
	return s.writeNode(heap.ID(id), h, head, bucketHead)
}

func (s *HeapStore) Remove(id NodeID) error {
	_, entriesHead, bucketHead, err := s.readNode(heap.ID(id))
	if err != nil {
		return err
	}
	if err := s.freeEntryChain(entriesHead); err != nil {
		return err
	}
	for bid := bucketHead; bid != heap.NilID; {
		next, children, err := s.readBucket(bid)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("heapstore: removing node %d with live children", id)
		}
		if err := s.h.Free(bid); err != nil {
			return err
		}
		bid = next
	}
	return s.h.Free(heap.ID(id))
}

func (s *HeapStore) freeEntryChain(head heap.ID) error {
	for eid := head; eid != heap.NilID; {
		kind, payload, err := s.h.Read(eid)
		if err != nil {
			return err
		}
		if kind != kindEntry {
			return fmt.Errorf("heapstore: record %d is kind %d, want entry", eid, kind)
		}
		next := heap.ID(binary.LittleEndian.Uint64(payload[0:8]))
		videoID := heap.ID(binary.LittleEndian.Uint64(payload[8:16]))
		if err := s.freeString(videoID); err != nil {
			return err
		}
		if err := s.h.Free(eid); err != nil {
			return err
		}
		eid = next
	}
	return nil
}

// blob record: next(8) | len(1) | len bytes of data

func (s *HeapStore) writeString(v string) (heap.ID, error) {
	raw := []byte(v)

	// Build the chain back to front so every record knows its successor
	// before it is written.
	head := heap.NilID
	for end := len(raw); end > 0 || head == heap.NilID; {
		start := end - blobChunk
		if start < 0 {
			start = 0
		}
		chunk := raw[start:end]

		id, err := s.h.Alloc()
		if err != nil {
			return heap.NilID, err
		}
		var payload [heap.PayloadSize]byte
		binary.LittleEndian.PutUint64(payload[0:8], uint64(head))
		payload[8] = byte(len(chunk))
		copy(payload[9:], chunk)
		if err := s.h.Write(id, kindBlob, payload[:]); err != nil {
			return heap.NilID, err
		}
		head = id
		end = start
	}
	return head, nil
}

func (s *HeapStore) readString(id heap.ID) (string, error) {
	var out []byte
	for id != heap.NilID {
		kind, payload, err := s.h.Read(id)
		if err != nil {
			return "", err
		}
		if kind != kindBlob {
			return "", fmt.Errorf("heapstore: record %d is kind %d, want blob", id, kind)
		}
		n := int(payload[8])
		if n > blobChunk {
			return "", fmt.Errorf("heapstore: blob %d claims %d bytes", id, n)
		}
		out = append(out, payload[9:9+n]...)
		id = heap.ID(binary.LittleEndian.Uint64(payload[0:8]))
	}
	return string(out), nil
}

func (s *HeapStore) freeString(id heap.ID) error {
	for id != heap.NilID {
		kind, payload, err := s.h.Read(id)
		if err != nil {
			return err
		}
		if kind != kindBlob {
			return fmt.Errorf("heapstore: record %d is kind %d, want blob", id, kind)
		}
		next := heap.ID(binary.LittleEndian.Uint64(payload[0:8]))
		if err := s.h.Free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
