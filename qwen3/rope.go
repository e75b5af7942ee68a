package qwen3

import "math"

// RotaryTable holds precomputed sin/cos values for the half-split rotary
// convention: angle(pos, i) = pos * theta^(-2i/h). Read-only after
// construction and shared by reference across all self-attention blocks.
type RotaryTable struct {
	sin     []float32 // [P][h/2], row-major
	cos     []float32 // [P][h/2]
	half    int
	maxPositions int
}

// NewRotaryTable precomputes sin/cos for all positions in [0, maxPositions).
func NewRotaryTable(maxPositions, headDim int, theta float64) *RotaryTable {
	half := headDim / 2
	t := &RotaryTable{
		sin:          make([]float32, maxPositions*half),
		cos:          make([]float32, maxPositions*half),
		half:         half,
		maxPositions: maxPositions,
	}
	for pos := 0; pos < maxPositions; pos++ {
		for i := 0; i < half; i++ {
			invFreq := math.Pow(theta, -2.0*float64(i)/float64(headDim))
			angle := float64(pos) * invFreq
			t.sin[pos*half+i] = float32(math.Sin(angle))
			t.cos[pos*half+i] = float32(math.Cos(angle))
		}
	}
	return t
}

func (t *RotaryTable) row(pos int) (sinRow, cosRow []float32) {
	return t.sin[pos*t.half : (pos+1)*t.half], t.cos[pos*t.half : (pos+1)*t.half]
}

// Rotate applies the half-split rotation to numHeads contiguous head
// vectors of length headDim (2*t.half) stored back to back in vectors, in
// place, at the given position. Parallel over heads.
func (t *RotaryTable) Rotate(vectors []float32, numHeads, headDim, position int) error {
	if headDim != 2*t.half {
		return newErrf(KindShape, "head_dim %d incompatible with rotary table half-width %d", headDim, t.half)
	}
	if position < 0 || position >= t.maxPositions {
		return newErrf(KindRange, "position %d out of range [0,%d)", position, t.maxPositions)
	}
	sinRow, cosRow := t.row(position)
	parallelRows(numHeads, func(h int) {
		rotateHalfSplit(vectors[h*headDim:(h+1)*headDim], sinRow, cosRow)
	})
	return nil
}
