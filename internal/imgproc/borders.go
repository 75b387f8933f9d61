// Package imgproc holds the pixel-level preprocessing in front of the
// hasher: letterbox/border removal and frame quality gates.
package imgproc

import (
	"errors"
	"image"
	"image/color"
)

// Defaults mirror the tuning the detector ships with: gray values at or
// below the mask threshold count as border, and a row or column stays
// classified as border while at most this fraction of it is bright.
const (
	DefaultMaskThreshold     = 40
	DefaultMaxWhites         = 0.1
	DefaultMaxBorderFraction = 0.9
)

var (
	// ErrBorderRejected means the detected border fraction exceeded the
	// configured maximum; the frame must be dropped, not hashed.
	ErrBorderRejected = errors.New("frame rejected: border fraction too large")

	// ErrEmptyImage means nothing was left after cropping.
	ErrEmptyImage = errors.New("frame rejected: empty after cropping")
)

// BorderRemover crops letterbox and pillarbox borders off frames.
type BorderRemover struct {
	// MaskThreshold is the luma value at or below which a pixel counts as
	// border-dark.
	MaskThreshold uint8

	// MaxWhites is the fraction of bright pixels a line may contain and
	// still count as border.
	MaxWhites float64

	// MaxBorderFraction rejects frames whose border area fraction exceeds
	// it. Such frames are mostly letterbox and would poison the hash.
	MaxBorderFraction float64
}

// NewBorderRemover returns a remover with the default tuning.
func NewBorderRemover() *BorderRemover {
	return &BorderRemover{
		MaskThreshold:     DefaultMaskThreshold,
		MaxWhites:         DefaultMaxWhites,
		MaxBorderFraction: DefaultMaxBorderFraction,
	}
}

// Crop returns the sub-image with dark borders removed, ErrBorderRejected
// if too much of the frame is border, or ErrEmptyImage if nothing remains.
func (r *BorderRemover) Crop(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrEmptyImage
	}

	mask := Maskify(img, r.MaskThreshold)
	bbox := ContentBBox(mask, r.MaxWhites)
	if bbox.Empty() {
		return nil, ErrEmptyImage
	}

	total := float64(b.Dx() * b.Dy())
	kept := float64(bbox.Dx() * bbox.Dy())
	if 1.0-kept/total > r.MaxBorderFraction {
		return nil, ErrBorderRejected
	}

	return cropImage(img, bbox), nil
}

// Maskify converts the image into a black and white mask: pixels brighter
// than threshold become white, the rest black.
func Maskify(img image.Image, threshold uint8) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if grayAt(img, x, y) > threshold {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return mask
}

// ContentBBox finds the bounding box of the content in a mask: the first
// and last rows and columns whose white-pixel fraction exceeds maxWhites.
// The returned rectangle is empty when the whole mask is border.
func ContentBBox(mask *image.Gray, maxWhites float64) image.Rectangle {
	b := mask.Bounds()
	cols := make([]int, b.Dx())
	rows := make([]int, b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask.GrayAt(x, y).Y == 255 {
				cols[x-b.Min.X]++
				rows[y-b.Min.Y]++
			}
		}
	}

	left, right := contentSpan(cols, b.Dy(), maxWhites)
	top, bottom := contentSpan(rows, b.Dx(), maxWhites)
	if left < 0 || top < 0 {
		return image.Rectangle{}
	}
	return image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+right+1, b.Min.Y+bottom+1)
}

// contentSpan returns the first and last index whose white count exceeds
// maxWhites of the line length, or (-1, -1) when no line qualifies.
func contentSpan(counts []int, lineLen int, maxWhites float64) (first, last int) {
	first, last = -1, -1
	for i, n := range counts {
		if float64(n)/float64(lineLen) > maxWhites {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last
}

// FlipHorizontal returns a horizontally mirrored copy of the image.
func FlipHorizontal(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.X-1-x, y-b.Min.Y, img.At(x, y))
		}
	}
	return out
}

func grayAt(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	return uint8((0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0)
}

// cropImage copies the rectangle out of the source image. Copying rather
// than aliasing keeps the crop independent of the decoder's reused buffers.
func cropImage(img image.Image, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return out
}
