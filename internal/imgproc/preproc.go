package imgproc

import (
	"errors"
	"image"

	"videodup/internal/hash"
)

// ErrOneColor means the frame is too uniform to produce a meaningful hash
// (fade-to-black, solid title cards and the like).
var ErrOneColor = errors.New("frame rejected: too close to one color")

// One-color gate tuning: a frame is rejected when at least this percentage
// of its pixels falls within the tolerance of the most common gray value.
// Negative threshold disables the gate.
const (
	DefaultOneColorThreshold = 90.0
	DefaultOneColorTolerance = 20
)

// Preprocessor runs every gate a frame must pass before its hash may enter
// the pipeline: the one-color check, border removal, and the hash itself.
type Preprocessor struct {
	Borders *BorderRemover

	// OneColorThreshold rejects frames whose OneColor percentage reaches
	// it. Negative disables the gate.
	OneColorThreshold float64

	// OneColorTolerance is how far a gray value may sit from the most
	// common one and still count as the same color.
	OneColorTolerance uint8
}

// NewPreprocessor returns a preprocessor with default tuning.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		Borders:           NewBorderRemover(),
		OneColorThreshold: DefaultOneColorThreshold,
		OneColorTolerance: DefaultOneColorTolerance,
	}
}

// HashImage crops and hashes one frame. It returns ErrOneColor,
// ErrBorderRejected or ErrEmptyImage when the frame must be skipped.
func (p *Preprocessor) HashImage(img image.Image) (hash.Hash, error) {
	if p.OneColorThreshold >= 0 && OneColor(img, p.OneColorTolerance) >= p.OneColorThreshold {
		return 0, ErrOneColor
	}

	cropped, err := p.Borders.Crop(img)
	if err != nil {
		return 0, err
	}

	return hash.FromImage(cropped), nil
}

// OneColor measures how uniform an image is: the percentage of pixels whose
// gray value lies within tolerance of the most common gray value. A flat
// frame scores 100, heavy noise scores near zero.
func OneColor(img image.Image, tolerance uint8) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 100
	}

	var histogram [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			histogram[grayAt(img, x, y)]++
		}
	}

	mostCommon := 0
	for v, count := range histogram {
		if count > histogram[mostCommon] {
			mostCommon = v
		}
	}

	lo := mostCommon - int(tolerance)
	hi := mostCommon + int(tolerance)
	if lo < 0 {
		lo = 0
	}
	if hi > 255 {
		hi = 255
	}

	same := 0
	for v := lo; v <= hi; v++ {
		same += histogram[v]
	}
	return 100 * float64(same) / float64(n)
}
