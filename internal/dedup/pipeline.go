package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"videodup/internal/frames"
	"videodup/internal/hash"
	"videodup/internal/imgproc"
	"videodup/internal/index"
	"videodup/internal/repo"
)

// payloadBuffer bounds the hashed-frame queue between the extractor
// workers and the index goroutine.
const payloadBuffer = 16

// Options tune the dedup run.
type Options struct {
	// TauDup is the Hamming radius for duplicate detection.
	TauDup int
	// TauIgnore is the radius for the ignore set, usually tighter.
	TauIgnore int
	// MinRunLength is the shortest run of consecutive matching frames
	// that collapses into one segment event.
	MinRunLength int
	// MaxOffsetGap is how far apart matched offsets in the other video
	// may drift while still counting as one segment.
	MaxOffsetGap time.Duration
	// MoveFraction is the matched-frame share at which a video is moved
	// into its review entry instead of being indexed.
	MoveFraction float64
	// Workers is the number of parallel frame extractors.
	Workers int
}

// DefaultOptions returns the tuning used when the config is silent.
func DefaultOptions() Options {
	return Options{
		TauDup:       5,
		TauIgnore:    3,
		MinRunLength: 3,
		MaxOffsetGap: 30 * time.Second,
		MoveFraction: 0.5,
		Workers:      4,
	}
}

// Summary is the outcome of one run.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	Processed      int
	SkippedIndexed int
	Reconciled     int
	Failed         map[string]string

	UniqueFrames    int
	DuplicateFrames int
	IgnoredFrames   int
	RejectedFrames  int
	SimilarSkipped  int

	Events int
	Moved  []string
}

// Pipeline wires the whole dedup run together: extractor workers hash
// frames in parallel, a single goroutine owns every index mutation, and
// the repos receive whatever should not enter the library.
type Pipeline struct {
	Index    *index.Tree
	Ignore   *IgnoreSet
	Review   *repo.Repo
	Grave    *repo.Repo
	Preproc  *imgproc.Preprocessor
	Sampling frames.Sampling
	Opts     Options

	// OpenSource opens a video for sampling. Defaults to the ffmpeg
	// source; tests substitute synthetic frames.
	OpenSource func(ctx context.Context, path string) (frames.Source, error)

	graveMu sync.Mutex
}

type payload struct {
	video  string
	frames []HashedFrame
	stats  videoStats
	err    error
}

type videoStats struct {
	rejected int
	ignored  int
	similar  int
}

// Run processes the given videos against the index. New unique content
// is inserted; duplicates and ignorable material are routed to the
// review area and the graveyard.
func (p *Pipeline) Run(ctx context.Context, videos []string) (*Summary, error) {
	summary := &Summary{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Failed:  map[string]string{},
	}
	log.Printf("[Pipeline] run %s: %d candidate videos", summary.RunID, len(videos))

	indexed, err := p.reconcile(summary)
	if err != nil {
		return summary, err
	}

	var todo []string
	for _, v := range videos {
		if _, ok := indexed[v]; ok {
			summary.SkippedIndexed++
			continue
		}
		todo = append(todo, v)
	}
	log.Printf("[Pipeline] %d videos to process, %d already indexed",
		len(todo), summary.SkippedIndexed)

	jobs := make(chan string)
	payloads := make(chan payload, payloadBuffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, v := range todo {
			select {
			case jobs <- v:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(payloads)
		workers := p.Opts.Workers
		if workers <= 0 {
			workers = 1
		}
		ew, ectx := errgroup.WithContext(gctx)
		for i := 0; i < workers; i++ {
			ew.Go(func() error { return p.extract(ectx, jobs, payloads) })
		}
		return ew.Wait()
	})

	g.Go(func() error {
		for pl := range payloads {
			if pl.err != nil {
				log.Printf("[Pipeline] %s failed: %v", pl.video, pl.err)
				summary.Failed[pl.video] = pl.err.Error()
				continue
			}
			if err := p.routeVideo(pl, summary); err != nil {
				return fmt.Errorf("route %s: %w", pl.video, err)
			}
			summary.Processed++
		}
		return nil
	})

	err = g.Wait()
	summary.Finished = time.Now()
	log.Printf("[Pipeline] run %s done: %d processed, %d failed, %d moved, took %s",
		summary.RunID, summary.Processed, len(summary.Failed), len(summary.Moved),
		summary.Finished.Sub(summary.Started).Round(time.Second))
	return summary, err
}

// reconcile drops index entries whose video no longer exists on disk and
// returns the set of videos that remain indexed.
func (p *Pipeline) reconcile(summary *Summary) (map[string]int, error) {
	indexed, err := p.Index.Videos()
	if err != nil {
		return nil, fmt.Errorf("list indexed videos: %w", err)
	}

	var gone []string
	for v := range indexed {
		if _, err := os.Stat(v); os.IsNotExist(err) {
			gone = append(gone, v)
		}
	}
	if len(gone) == 0 {
		return indexed, nil
	}
	sort.Strings(gone)

	if err := p.Index.Store().Begin(); err != nil {
		return nil, err
	}
	for _, v := range gone {
		n, err := p.Index.DeleteVideo(v)
		if err != nil {
			return nil, fmt.Errorf("prune %s: %w", v, err)
		}
		log.Printf("[Pipeline] pruned %s (%d entries), file is gone", v, n)
		summary.Reconciled++
		delete(indexed, v)
	}
	if err := p.Index.Store().Commit(); err != nil {
		return nil, err
	}
	return indexed, nil
}

func (p *Pipeline) extract(ctx context.Context, jobs <-chan string, out chan<- payload) error {
	for video := range jobs {
		hs, stats, err := p.hashVideo(ctx, video)
		pl := payload{video: video, frames: hs, stats: stats, err: err}
		select {
		case out <- pl:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// hashVideo samples one video into hashed frames, dropping rejected,
// ignored and near-repeated frames on the way.
func (p *Pipeline) hashVideo(ctx context.Context, video string) ([]HashedFrame, videoStats, error) {
	var stats videoStats

	open := p.OpenSource
	if open == nil {
		open = func(ctx context.Context, path string) (frames.Source, error) {
			return frames.Open(ctx, path, p.Sampling)
		}
	}
	src, err := open(ctx, video)
	if err != nil {
		return nil, stats, err
	}
	defer src.Close()

	var (
		hs    []HashedFrame
		prev  hash.Hash
		grave *repo.Entry
	)
	for {
		f, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The rest of the stream is unreadable; keep what we have.
			log.Printf("[Pipeline] %s: decoding stopped early: %v", video, err)
			break
		}

		h, err := p.Preproc.HashImage(f.Image)
		if err != nil {
			if !isFrameReject(err) {
				return nil, stats, err
			}
			stats.rejected++
			grave = p.buryFrame(grave, video, rejectName(err), f)
			continue
		}

		if p.Ignore != nil {
			ignored, err := p.Ignore.Contains(h, p.Opts.TauIgnore)
			if err != nil {
				return nil, stats, err
			}
			if ignored {
				stats.ignored++
				grave = p.buryFrame(grave, video, "ignored", f)
				continue
			}
		}

		if len(hs) > 0 && hash.Distance(h, prev) <= p.Opts.TauDup {
			stats.similar++
			continue
		}

		hs = append(hs, HashedFrame{TS: f.TS, Hash: h, Mirror: h.Mirror()})
		prev = h
	}

	log.Printf("[Pipeline] %s: %d frames hashed, %d rejected, %d ignored, %d near-repeats",
		video, len(hs), stats.rejected, stats.ignored, stats.similar)
	return hs, stats, nil
}

func isFrameReject(err error) bool {
	return errors.Is(err, imgproc.ErrBorderRejected) ||
		errors.Is(err, imgproc.ErrEmptyImage) ||
		errors.Is(err, imgproc.ErrOneColor)
}

func rejectName(err error) string {
	switch {
	case errors.Is(err, imgproc.ErrBorderRejected):
		return "border"
	case errors.Is(err, imgproc.ErrOneColor):
		return "one_color"
	default:
		return "empty"
	}
}

// buryFrame writes a dropped frame into the video's graveyard entry,
// creating the entry with a link back to the source on first use.
func (p *Pipeline) buryFrame(entry *repo.Entry, video, reason string, f frames.Frame) *repo.Entry {
	if p.Grave == nil {
		return entry
	}
	p.graveMu.Lock()
	defer p.graveMu.Unlock()

	if entry == nil {
		e, err := p.Grave.NewEntry()
		if err != nil {
			log.Printf("[Pipeline] graveyard entry for %s: %v", video, err)
			return nil
		}
		if err := e.CreateLink("original", video); err != nil {
			log.Printf("[Pipeline] graveyard link for %s: %v", video, err)
		}
		entry = e
	}
	name := fmt.Sprintf("%s_%dms", reason, f.TS.Milliseconds())
	if err := entry.CreatePNG(name, f.Image); err != nil {
		log.Printf("[Pipeline] graveyard frame for %s: %v", video, err)
	}
	return entry
}

// routeVideo classifies one video's frames against the index and routes
// the video. It owns the only index mutations in a run.
func (p *Pipeline) routeVideo(pl payload, summary *Summary) error {
	summary.RejectedFrames += pl.stats.rejected
	summary.IgnoredFrames += pl.stats.ignored
	summary.SimilarSkipped += pl.stats.similar

	classifier := &Classifier{Index: p.Index, TauDup: p.Opts.TauDup}
	results := make([]FrameResult, 0, len(pl.frames))
	for _, f := range pl.frames {
		res, err := classifier.Classify(f)
		if err != nil {
			return err
		}
		results = append(results, res)
		if res.Class == Duplicate {
			summary.DuplicateFrames++
		}
	}

	events := BuildEvents(results, p.Opts.MinRunLength, p.Opts.MaxOffsetGap)
	summary.Events += len(events)
	frac := DuplicateFraction(results)

	move := len(results) > 0 && frac >= p.Opts.MoveFraction
	if len(events) > 0 {
		if err := p.reportDuplicate(pl.video, events, frac, move, summary); err != nil {
			return err
		}
	}
	if move {
		log.Printf("[Pipeline] %s: %.0f%% duplicate frames, moved to review",
			pl.video, 100*frac)
		summary.Moved = append(summary.Moved, pl.video)
		return nil
	}

	if err := p.Index.Store().Begin(); err != nil {
		return err
	}
	for _, r := range results {
		if r.Class != Unique {
			continue
		}
		e := index.Entry{Video: pl.video, Offset: r.TS}
		if err := p.Index.Insert(r.Hash, e); err != nil {
			return fmt.Errorf("insert frame at %s: %w", r.TS, err)
		}
		summary.UniqueFrames++
	}
	return p.Index.Store().Commit()
}

// reportDuplicate writes the review entry: the events report, links to
// every matched video, and the video itself when move is set.
func (p *Pipeline) reportDuplicate(video string, events []Event, frac float64, move bool, summary *Summary) error {
	if p.Review == nil {
		return nil
	}
	entry, err := p.Review.NewEntry()
	if err != nil {
		return fmt.Errorf("review entry: %w", err)
	}

	var report strings.Builder
	fmt.Fprintf(&report, "run: %s\nvideo: %s\nduplicate fraction: %.2f\n\n",
		summary.RunID, video, frac)
	others := map[string]bool{}
	for _, ev := range events {
		fmt.Fprintf(&report, "%s\n", ev)
		others[ev.Other] = true
	}
	if err := entry.CreateText("report", report.String()); err != nil {
		return err
	}

	sorted := make([]string, 0, len(others))
	for o := range others {
		sorted = append(sorted, o)
	}
	sort.Strings(sorted)
	for _, o := range sorted {
		if err := entry.CreateLink("matched", o); err != nil {
			return err
		}
	}

	if move {
		if _, err := entry.MoveInto(video); err != nil {
			return err
		}
	} else if err := entry.CreateLink("original", video); err != nil {
		return err
	}
	return nil
}
