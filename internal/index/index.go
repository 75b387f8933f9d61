// Package index implements the persistent similarity index: a
// Burkhard-Keller metric tree over perceptual hashes under Hamming
// distance, stored node by node in a pluggable NodeStore.
package index

import (
	"fmt"
	"time"

	"videodup/internal/hash"
)

// NodeID addresses one tree node inside a NodeStore. Ids are stable for
// the lifetime of the store; NilNode is the null id.
type NodeID uint64

// NilNode is the null node id.
const NilNode NodeID = 0

// Entry is the payload of one stored frame: where it came from and in
// which orientation it was hashed. The orientation never changes after
// insert.
type Entry struct {
	Video    string
	Offset   time.Duration
	Mirrored bool
}

// Key identifies the underlying frame independent of which query
// orientation found it. Two matches with equal keys are one collision.
func (e Entry) Key() string {
	return fmt.Sprintf("%s@%d", e.Video, e.Offset.Milliseconds())
}

// Node is the materialized form of one tree node. Children maps the exact
// Hamming distance between this node's hash and the child's hash to the
// child id; that exactness is what makes triangle-inequality pruning safe.
type Node struct {
	Hash     hash.Hash
	Entries  []Entry
	Children map[int]NodeID
}

// NodeStore persists tree nodes. Implementations are not safe for
// concurrent use; the caller serializes access. Mutations happen between
// Begin and Commit; how durable those boundaries are is up to the backend
// (heap sessions, SQL transactions, nothing for the in-memory store).
type NodeStore interface {
	Root() (NodeID, error)
	SetRoot(NodeID) error

	// Create stores a fresh node holding one entry and no children.
	Create(h hash.Hash, e Entry) (NodeID, error)

	// Node loads a node in full.
	Node(id NodeID) (*Node, error)

	// SetChild records child under the exact-distance label. A label is
	// set at most once per node.
	SetChild(parent NodeID, label int, child NodeID) error

	// RemoveChild detaches the child at label without freeing it.
	RemoveChild(parent NodeID, label int) error

	AddEntry(id NodeID, e Entry) error
	SetEntries(id NodeID, entries []Entry) error

	// Remove frees a node that has no children left.
	Remove(id NodeID) error

	Begin() error
	Commit() error
	Close() error
}
