package index

import (
	"fmt"
	"math/rand"
	"sort"

	"videodup/internal/hash"
)

// Tree is a BK-tree over a NodeStore. It never rebalances: the shape is
// fully determined by insertion order, and interior nodes are kept even
// when all their entries are deleted because descendants' distance labels
// were computed against their hashes.
type Tree struct {
	store NodeStore
}

// New wraps a NodeStore in tree semantics.
func New(store NodeStore) *Tree {
	return &Tree{store: store}
}

// Store exposes the underlying NodeStore for session control.
func (t *Tree) Store() NodeStore { return t.store }

// Insert adds a hash with its payload. Equal hashes share one node and
// accumulate entries; otherwise the insert descends along exact-distance
// edges and attaches a new leaf at the first missing label.
func (t *Tree) Insert(h hash.Hash, e Entry) error {
	root, err := t.store.Root()
	if err != nil {
		return err
	}
	if root == NilNode {
		id, err := t.store.Create(h, e)
		if err != nil {
			return err
		}
		return t.store.SetRoot(id)
	}

	cur := root
	for {
		n, err := t.store.Node(cur)
		if err != nil {
			return err
		}
		d := hash.Distance(h, n.Hash)
		if d == 0 {
			return t.store.AddEntry(cur, e)
		}
		if child, ok := n.Children[d]; ok {
			cur = child
			continue
		}
		id, err := t.store.Create(h, e)
		if err != nil {
			return err
		}
		return t.store.SetChild(cur, d, id)
	}
}

// Match is one query hit.
type Match struct {
	Hash     hash.Hash
	Entry    Entry
	Distance int
}

// QueryWithin returns every stored entry whose hash is within tau of the
// query. Children are pruned with the triangle inequality: a subtree under
// label l cannot contain anything closer to the query than |l-d|. Result
// order is unspecified.
func (t *Tree) QueryWithin(q hash.Hash, tau int) ([]Match, error) {
	root, err := t.store.Root()
	if err != nil {
		return nil, err
	}

	var matches []Match
	stack := []NodeID{}
	if root != NilNode {
		stack = append(stack, root)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := t.store.Node(id)
		if err != nil {
			return nil, err
		}
		d := hash.Distance(q, n.Hash)
		if d <= tau {
			for _, e := range n.Entries {
				matches = append(matches, Match{Hash: n.Hash, Entry: e, Distance: d})
			}
		}
		for label, child := range n.Children {
			if label >= d-tau && label <= d+tau {
				stack = append(stack, child)
			}
		}
	}
	return matches, nil
}

// ForEach visits every live entry in unspecified order.
func (t *Tree) ForEach(visit func(hash.Hash, Entry) error) error {
	root, err := t.store.Root()
	if err != nil {
		return err
	}

	stack := []NodeID{}
	if root != NilNode {
		stack = append(stack, root)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := t.store.Node(id)
		if err != nil {
			return err
		}
		for _, e := range n.Entries {
			if err := visit(n.Hash, e); err != nil {
				return err
			}
		}
		for _, child := range n.Children {
			stack = append(stack, child)
		}
	}
	return nil
}

// DeleteWhere removes every entry the predicate matches and returns how
// many were removed. Nodes left with no entries and no children are freed
// and detached bottom-up; emptied interior nodes stay as routing structure.
func (t *Tree) DeleteWhere(pred func(hash.Hash, Entry) bool) (int, error) {
	root, err := t.store.Root()
	if err != nil {
		return 0, err
	}
	if root == NilNode {
		return 0, nil
	}

	removed, gone, err := t.deleteWalk(root, pred)
	if err != nil {
		return removed, err
	}
	if gone {
		if err := t.store.SetRoot(NilNode); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (t *Tree) deleteWalk(id NodeID, pred func(hash.Hash, Entry) bool) (removed int, gone bool, err error) {
	n, err := t.store.Node(id)
	if err != nil {
		return 0, false, err
	}

	for label, child := range n.Children {
		r, childGone, err := t.deleteWalk(child, pred)
		if err != nil {
			return removed + r, false, err
		}
		removed += r
		if childGone {
			if err := t.store.RemoveChild(id, label); err != nil {
				return removed, false, err
			}
			delete(n.Children, label)
		}
	}

	kept := n.Entries[:0:0]
	for _, e := range n.Entries {
		if !pred(n.Hash, e) {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(n.Entries) {
		removed += len(n.Entries) - len(kept)
		if err := t.store.SetEntries(id, kept); err != nil {
			return removed, false, err
		}
	}

	if len(kept) == 0 && len(n.Children) == 0 {
		if err := t.store.Remove(id); err != nil {
			return removed, false, err
		}
		return removed, true, nil
	}
	return removed, false, nil
}

// DeleteVideo removes every entry of one video.
func (t *Tree) DeleteVideo(video string) (int, error) {
	return t.DeleteWhere(func(_ hash.Hash, e Entry) bool {
		return e.Video == video
	})
}

// Videos returns the entry count per distinct video in the index.
func (t *Tree) Videos() (map[string]int, error) {
	videos := make(map[string]int)
	err := t.ForEach(func(_ hash.Hash, e Entry) error {
		videos[e.Video]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return videos, nil
}

// EvictRandom deletes all entries of n videos chosen uniformly at random
// and returns the chosen videos.
func (t *Tree) EvictRandom(n int, rng *rand.Rand) ([]string, error) {
	videos, err := t.Videos()
	if err != nil {
		return nil, err
	}

	all := make([]string, 0, len(videos))
	for v := range videos {
		all = append(all, v)
	}
	// Fix the order before shuffling so a seeded rng picks the same set.
	sort.Strings(all)
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n > len(all) {
		n = len(all)
	}
	chosen := all[:n]

	doomed := make(map[string]bool, n)
	for _, v := range chosen {
		doomed[v] = true
	}
	if _, err := t.DeleteWhere(func(_ hash.Hash, e Entry) bool {
		return doomed[e.Video]
	}); err != nil {
		return chosen, fmt.Errorf("evict %d videos: %w", n, err)
	}
	return chosen, nil
}

// Count returns the number of live nodes and entries.
func (t *Tree) Count() (nodes, entries int, err error) {
	root, err := t.store.Root()
	if err != nil {
		return 0, 0, err
	}

	stack := []NodeID{}
	if root != NilNode {
		stack = append(stack, root)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := t.store.Node(id)
		if err != nil {
			return nodes, entries, err
		}
		nodes++
		entries += len(n.Entries)
		for _, child := range n.Children {
			stack = append(stack, child)
		}
	}
	return nodes, entries, nil
}
