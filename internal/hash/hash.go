// Package hash provides the 64-bit perceptual hash value type used
// throughout the index, its Hamming metric, and the analytic mirror
// transform.
package hash

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Hash is a fixed-width perceptual fingerprint of one frame. Equality is
// bit-exact; similarity is measured with Distance.
type Hash uint64

const (
	// Bits is the fixed hash width.
	Bits = 64

	// MinDistance and MaxDistance bound the Hamming metric.
	MinDistance = 0
	MaxDistance = Bits
)

// encoding is the stable textual encoding for hashes: standard base64
// alphabet, no padding, over the big-endian bytes. Changing it invalidates
// every persisted database and export file.
var encoding = base64.StdEncoding.WithPadding(base64.NoPadding)

// Distance returns the Hamming distance between two hashes: the number of
// differing bits. It is symmetric and satisfies the triangle inequality.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// DistanceTo is Distance with a receiver, for call sites that read better
// flowing left to right.
func (h Hash) DistanceTo(other Hash) int {
	return Distance(h, other)
}

// Mirror returns the hash of the horizontally flipped image without touching
// pixels. Each row of the difference hash holds eight left-to-right gradient
// bits; flipping the image reverses the row and negates every comparison.
// The identity Mirror(FromImage(img)) == FromImage(flip(img)) holds whenever
// no adjacent cells have exactly equal brightness.
func (h Hash) Mirror() Hash {
	var out uint64
	for r := 0; r < 8; r++ {
		row := uint8(h >> (8 * r))
		out |= uint64(^bits.Reverse8(row)) << (8 * r)
	}
	return Hash(out)
}

// String encodes the hash in its stable textual form.
func (h Hash) String() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h))
	return encoding.EncodeToString(buf[:])
}

// Parse decodes a hash previously produced by String.
func Parse(s string) (Hash, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid hash %q: got %d bytes, want 8", s, len(raw))
	}
	return Hash(binary.BigEndian.Uint64(raw)), nil
}
