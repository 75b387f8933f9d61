package frames

import "time"

// Sampling controls how densely a video is sampled.
type Sampling struct {
	// MinFrames is the minimum number of samples even for short videos.
	MinFrames int

	// MaxStep caps the distance between samples for long videos.
	MaxStep time.Duration
}

// DefaultSampling matches a roughly ten second cadence with at least five
// samples per video.
func DefaultSampling() Sampling {
	return Sampling{MinFrames: 5, MaxStep: 10 * time.Second}
}

// Step returns the sampling interval for a video of the given length:
// MaxStep, shrunk so that at least MinFrames samples fit.
func (s Sampling) Step(length time.Duration) time.Duration {
	if s.MinFrames <= 0 {
		return s.MaxStep
	}
	step := length / time.Duration(s.MinFrames)
	if step > s.MaxStep {
		return s.MaxStep
	}
	return step
}

// Margin breakpoints for SkipMargins. Intros and outros carry logos and
// credits that collide across unrelated videos, so both ends are skipped
// more aggressively the longer the video is.
const (
	marginShort = 30 * time.Second
	marginMid   = time.Minute
	marginLong  = 5 * time.Minute
	skipMid     = 5 * time.Second
	skipLong    = 75 * time.Second
)

// SkipMargins returns how much to skip from the beginning and from the
// end of a video of the given length. Videos under thirty seconds are
// sampled in full; between one and five minutes the skip ramps linearly
// from five to seventy-five seconds.
func SkipMargins(length time.Duration) (skip time.Duration) {
	switch {
	case length < marginShort:
		return 0
	case length <= marginMid:
		return skipMid
	case length <= marginLong:
		frac := float64(length-marginMid) / float64(marginLong-marginMid)
		return skipMid + time.Duration(frac*float64(skipLong-skipMid))
	default:
		return skipLong
	}
}
