package dedup

import (
	"fmt"
	"time"

	"videodup/internal/index"
)

// EventKind distinguishes isolated collisions from suppressed streaks.
type EventKind int

const (
	// Collision is a handful of frames matching another video.
	Collision EventKind = iota
	// Segment is a run of consecutive frames tracking one other video
	// with near-contiguous offsets: a shared trailer, intro or a full
	// copy. The run is reported as one event instead of per frame.
	Segment
)

// Event is one reportable collision between the incoming video and one
// video already in the index.
type Event struct {
	Kind  EventKind
	Other string

	// Frames is how many incoming frames are covered by this event.
	Frames int

	// From/To span the incoming video; OtherFrom/OtherTo span the
	// matched video.
	From, To           time.Duration
	OtherFrom, OtherTo time.Duration
}

func (e Event) String() string {
	kind := "collision"
	if e.Kind == Segment {
		kind = "segment"
	}
	return fmt.Sprintf("%s vs %q: %d frames, %s-%s here, %s-%s there",
		kind, e.Other, e.Frames, e.From, e.To, e.OtherFrom, e.OtherTo)
}

// BuildEvents folds per-frame duplicate results into events. Runs of at
// least minRun consecutive duplicate frames whose best matches come from
// one other video, with offsets no further than maxGap apart, collapse
// into a single Segment; everything else aggregates into one Collision
// per other video.
func BuildEvents(results []FrameResult, minRun int, maxGap time.Duration) []Event {
	if minRun < 2 {
		minRun = 2
	}

	// Best match per frame per other video.
	type hit struct {
		frame int
		ts    time.Duration
		other time.Duration
	}
	hitsByVideo := map[string][]hit{}
	var order []string
	for i, r := range results {
		if r.Class != Duplicate {
			continue
		}
		best := map[string]index.Match{}
		for _, m := range r.Matches {
			if prev, ok := best[m.Entry.Video]; !ok || m.Distance < prev.Distance {
				best[m.Entry.Video] = m
			}
		}
		for video, m := range best {
			if _, seen := hitsByVideo[video]; !seen {
				order = append(order, video)
			}
			hitsByVideo[video] = append(hitsByVideo[video], hit{
				frame: i,
				ts:    r.TS,
				other: m.Entry.Offset,
			})
		}
	}

	var events []Event
	for _, video := range order {
		hits := hitsByVideo[video]

		run := []hit{hits[0]}
		var loose []hit
		flush := func() {
			if len(run) >= minRun {
				events = append(events, Event{
					Kind:      Segment,
					Other:     video,
					Frames:    len(run),
					From:      run[0].ts,
					To:        run[len(run)-1].ts,
					OtherFrom: run[0].other,
					OtherTo:   run[len(run)-1].other,
				})
			} else {
				loose = append(loose, run...)
			}
			run = run[:0]
		}

		for _, h := range hits[1:] {
			prev := run[len(run)-1]
			contiguous := h.frame == prev.frame+1 &&
				absDuration(h.other-prev.other) <= maxGap
			if !contiguous {
				flush()
			}
			run = append(run, h)
		}
		flush()

		if len(loose) > 0 {
			ev := Event{
				Kind:      Collision,
				Other:     video,
				Frames:    len(loose),
				From:      loose[0].ts,
				To:        loose[len(loose)-1].ts,
				OtherFrom: loose[0].other,
				OtherTo:   loose[len(loose)-1].other,
			}
			for _, h := range loose {
				if h.other < ev.OtherFrom {
					ev.OtherFrom = h.other
				}
				if h.other > ev.OtherTo {
					ev.OtherTo = h.other
				}
			}
			events = append(events, ev)
		}
	}
	return events
}

// DuplicateFraction is the share of classified frames that are
// duplicates; the routing policy moves a video when it crosses the
// configured threshold.
func DuplicateFraction(results []FrameResult) float64 {
	if len(results) == 0 {
		return 0
	}
	dups := 0
	for _, r := range results {
		if r.Class == Duplicate {
			dups++
		}
	}
	return float64(dups) / float64(len(results))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
