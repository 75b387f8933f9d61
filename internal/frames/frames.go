// Package frames turns video files into a stream of timestamped frames,
// sampled at a rate derived from the video length.
package frames

import (
	"errors"
	"image"
	"time"
)

// ErrNoDuration is returned when a file's duration cannot be determined.
// Such a file cannot be sampled and is treated as a broken video.
var ErrNoDuration = errors.New("frames: video has no detectable duration")

// Frame is one decoded video frame and its position in the file.
type Frame struct {
	TS    time.Duration
	Image *image.RGBA
}

// Source yields frames one at a time. Next returns io.EOF when the video
// is exhausted. Sources are not safe for concurrent use and must be
// closed even after io.EOF.
type Source interface {
	// Length is the approximate duration of the whole video.
	Length() time.Duration

	Next() (Frame, error)
	Close() error
}

// Meta is the probe result for one video file.
type Meta struct {
	Duration time.Duration
	Width    int
	Height   int
}
