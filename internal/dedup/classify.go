package dedup

import (
	"sort"
	"time"

	"videodup/internal/hash"
	"videodup/internal/index"
)

// Class is the fate of one sampled frame.
type Class int

const (
	// Unique frames go into the index.
	Unique Class = iota
	// Ignored frames matched the ignore set and are never indexed.
	Ignored
	// Duplicate frames collided with the main index.
	Duplicate
)

func (c Class) String() string {
	switch c {
	case Unique:
		return "unique"
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// HashedFrame is one sampled frame after preprocessing: its position in
// the video and its hash in both orientations.
type HashedFrame struct {
	TS     time.Duration
	Hash   hash.Hash
	Mirror hash.Hash
}

// FrameResult is a classified frame. For duplicates, Matches holds one
// match per distinct indexed payload: a frame found through both the
// normal and the mirrored query counts once.
type FrameResult struct {
	HashedFrame
	Class   Class
	Matches []index.Match
}

// Classifier runs the per-frame decision order: ignore set first, then
// the main index, then unique. The ignore check wins over a duplicate
// hit, so reference material never accumulates collision events.
type Classifier struct {
	Index     *index.Tree
	Ignore    *IgnoreSet
	TauDup    int
	TauIgnore int
}

// Classify decides the fate of one frame.
func (c *Classifier) Classify(f HashedFrame) (FrameResult, error) {
	res := FrameResult{HashedFrame: f}

	if c.Ignore != nil {
		// The set holds both orientations of every reference image, so
		// one lookup with the canonical hash covers the mirrored case.
		ignored, err := c.Ignore.Contains(f.Hash, c.TauIgnore)
		if err != nil {
			return res, err
		}
		if ignored {
			res.Class = Ignored
			return res, nil
		}
	}

	matches, err := c.queryBoth(f)
	if err != nil {
		return res, err
	}
	if len(matches) > 0 {
		res.Class = Duplicate
		res.Matches = matches
		return res, nil
	}

	res.Class = Unique
	return res, nil
}

// queryBoth queries the index with the hash and its mirror and merges the
// results by payload identity, keeping the closer distance on overlap.
func (c *Classifier) queryBoth(f HashedFrame) ([]index.Match, error) {
	normal, err := c.Index.QueryWithin(f.Hash, c.TauDup)
	if err != nil {
		return nil, err
	}
	mirrored, err := c.Index.QueryWithin(f.Mirror, c.TauDup)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]index.Match, len(normal)+len(mirrored))
	for _, m := range normal {
		byKey[m.Entry.Key()] = m
	}
	for _, m := range mirrored {
		if prev, ok := byKey[m.Entry.Key()]; !ok || m.Distance < prev.Distance {
			byKey[m.Entry.Key()] = m
		}
	}

	merged := make([]index.Match, 0, len(byKey))
	for _, m := range byKey {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Entry.Video != b.Entry.Video {
			return a.Entry.Video < b.Entry.Video
		}
		return a.Entry.Offset < b.Entry.Offset
	})
	return merged, nil
}
