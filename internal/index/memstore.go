package index

import (
	"fmt"

	"videodup/internal/hash"
)

// MemStore is an in-memory NodeStore, used for the ignore set and tests.
// Begin and Commit are no-ops; nothing survives the process.
type MemStore struct {
	nodes map[NodeID]*Node
	root  NodeID
	next  NodeID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[NodeID]*Node)}
}

func (m *MemStore) Root() (NodeID, error) { return m.root, nil }

func (m *MemStore) SetRoot(id NodeID) error {
	m.root = id
	return nil
}

func (m *MemStore) Create(h hash.Hash, e Entry) (NodeID, error) {
	m.next++
	m.nodes[m.next] = &Node{
		Hash:     h,
		Entries:  []Entry{e},
		Children: make(map[int]NodeID),
	}
	return m.next, nil
}

func (m *MemStore) Node(id NodeID) (*Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("memstore: no node %d", id)
	}
	// Copy so callers cannot mutate store state behind its back.
	out := &Node{
		Hash:     n.Hash,
		Entries:  append([]Entry(nil), n.Entries...),
		Children: make(map[int]NodeID, len(n.Children)),
	}
	for l, c := range n.Children {
		out.Children[l] = c
	}
	return out, nil
}

func (m *MemStore) SetChild(parent NodeID, label int, child NodeID) error {
	n, ok := m.nodes[parent]
	if !ok {
		return fmt.Errorf("memstore: no node %d", parent)
	}
	if _, exists := n.Children[label]; exists {
		return fmt.Errorf("memstore: node %d already has a child at distance %d", parent, label)
	}
	n.Children[label] = child
	return nil
}

func (m *MemStore) RemoveChild(parent NodeID, label int) error {
	n, ok := m.nodes[parent]
	if !ok {
		return fmt.Errorf("memstore: no node %d", parent)
	}
	delete(n.Children, label)
	return nil
}

func (m *MemStore) AddEntry(id NodeID, e Entry) error {
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memstore: no node %d", id)
	}
	n.Entries = append(n.Entries, e)
	return nil
}

func (m *MemStore) SetEntries(id NodeID, entries []Entry) error {
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memstore: no node %d", id)
	}
	n.Entries = append([]Entry(nil), entries...)
	return nil
}

func (m *MemStore) Remove(id NodeID) error {
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memstore: no node %d", id)
	}
	if len(n.Children) > 0 {
		return fmt.Errorf("memstore: node %d still has children", id)
	}
	delete(m.nodes, id)
	return nil
}

func (m *MemStore) Begin() error  { return nil }
func (m *MemStore) Commit() error { return nil }
func (m *MemStore) Close() error  { return nil }
