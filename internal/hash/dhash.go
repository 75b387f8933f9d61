package hash

import (
	"image"
	"image/color"
)

// dHash grid: 9 columns of brightness averaged per cell give 8 horizontal
// gradients per row, 8 rows total.
const (
	gridCols = 9
	gridRows = 8
)

// FromImage computes the difference hash of an image: the image is reduced
// to a 9x8 grid of average brightness cells and each bit records whether
// brightness increases between horizontal neighbors. Visually similar images
// land within a small Hamming distance of each other. A zero-area image
// hashes to zero.
func FromImage(img image.Image) Hash {
	cells, ok := gridLuma(img)
	if !ok {
		return 0
	}

	var h uint64
	for r := 0; r < gridRows; r++ {
		for c := 0; c < gridCols-1; c++ {
			if cells[r][c] < cells[r][c+1] {
				h |= 1 << (uint(r)*8 + uint(c))
			}
		}
	}
	return Hash(h)
}

// gridLuma box-averages the image into a 9x8 brightness grid. Cell borders
// are computed symmetrically from both ends so that flipping the image
// exactly reverses each row, which the analytic Mirror transform relies on.
func gridLuma(img image.Image) (cells [gridRows][gridCols]float64, ok bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return cells, false
	}

	xb := gridBorders(w, gridCols)
	yb := gridBorders(h, gridRows)

	for r := 0; r < gridRows; r++ {
		y0 := b.Min.Y + yb[r]
		y1 := b.Min.Y + yb[r+1]
		for c := 0; c < gridCols; c++ {
			x0 := b.Min.X + xb[c]
			x1 := b.Min.X + xb[c+1]
			var sum float64
			var n int
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += luma(img.At(x, y))
					n++
				}
			}
			if n == 0 {
				// Degenerate cell on tiny images; reuse the pixel
				// nearest the cell origin.
				sum = luma(img.At(clampX(x0, b), clampY(y0, b)))
				n = 1
			}
			cells[r][c] = sum / float64(n)
		}
	}
	return cells, true
}

// gridBorders splits size pixels into cells intervals whose borders are
// mirror images of each other, so a flipped image produces exactly reversed
// cell averages.
func gridBorders(size, cells int) []int {
	borders := make([]int, cells+1)
	for i := 0; i <= cells; i++ {
		if 2*i <= cells {
			borders[i] = i * size / cells
		} else {
			borders[i] = size - (cells-i)*size/cells
		}
	}
	return borders
}

// luma returns the rec.601 brightness of a color in the 0..255 range.
func luma(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
}

func clampX(x int, b image.Rectangle) int {
	if x >= b.Max.X {
		return b.Max.X - 1
	}
	if x < b.Min.X {
		return b.Min.X
	}
	return x
}

func clampY(y int, b image.Rectangle) int {
	if y >= b.Max.Y {
		return b.Max.Y - 1
	}
	if y < b.Min.Y {
		return b.Min.Y
	}
	return y
}
