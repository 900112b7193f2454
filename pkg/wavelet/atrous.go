// Package wavelet implements the undecimated "à trous" B3-spline wavelet
// transform. A plane is split into nbScales-1 detail planes and one coarse
// residual; all planes keep the source dimensions and sum back to it.
package wavelet

import (
	"errors"
	"fmt"

	"massmap/pkg/grid"
)

// ErrInvalidScales is returned for a scale count below one.
var ErrInvalidScales = errors.New("wavelet: number of scales must be at least 1")

// b3 is the 5-tap B3-spline kernel.
var b3 = [5]float64{1.0 / 16, 1.0 / 4, 3.0 / 8, 1.0 / 4, 1.0 / 16}

// Band is the ordered set of wavelet planes of one source plane.
// Band[0..n-2] are detail planes from finest to coarsest, Band[n-1] is the
// smoothed residual.
type Band []*grid.PixelGrid

// Decompose splits g into nbScales planes.
func Decompose(g *grid.PixelGrid, nbScales int) (Band, error) {
	if nbScales < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScales, nbScales)
	}
	band := make(Band, nbScales)
	cur := g.Copy()
	for s := 0; s < nbScales-1; s++ {
		smoothed := Smooth(cur, s)
		detail := cur
		if err := detail.Sub(smoothed); err != nil {
			return nil, fmt.Errorf("wavelet: %w", err)
		}
		band[s] = detail
		cur = smoothed
	}
	band[nbScales-1] = cur
	return band, nil
}

// Smooth applies the B3-spline kernel with holes of 2^scale pixels, first
// along x and then along y. Samples falling outside the plane are clamped to
// the edge.
func Smooth(g *grid.PixelGrid, scale int) *grid.PixelGrid {
	w, h := g.Width(), g.Height()
	step := 1 << uint(scale)
	tmp := grid.New(w, h)
	out := grid.New(w, h)

	tv := tmp.Values()
	grid.ParallelRows(h, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				v := 0.0
				for k := -2; k <= 2; k++ {
					v += b3[k+2] * g.At(x+k*step, y)
				}
				tv[y*w+x] = v
			}
		}
	})

	ov := out.Values()
	grid.ParallelRows(h, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				v := 0.0
				for k := -2; k <= 2; k++ {
					v += b3[k+2] * tmp.At(x, y+k*step)
				}
				ov[y*w+x] = v
			}
		}
	})
	return out
}

// NbScales returns the number of planes.
func (b Band) NbScales() int { return len(b) }

// Copy returns a deep copy of every plane.
func (b Band) Copy() Band {
	c := make(Band, len(b))
	for i, p := range b {
		c[i] = p.Copy()
	}
	return c
}

// Reconstruct sums all planes.
func (b Band) Reconstruct() *grid.PixelGrid {
	if len(b) == 0 {
		return nil
	}
	out := b[0].Copy()
	for _, p := range b[1:] {
		out.Add(p)
	}
	return out
}

// ReconstructSmooth rebuilds the plane from the coarsest scale outward,
// smoothing the running estimate at each scale before adding the detail:
//
//	acc = band[n-1]; acc = Smooth(acc, s) + band[s] for s = n-2 .. 0
//
// On an untouched decomposition this is not the exact inverse; it is used on
// filtered coefficients, where it suppresses artefacts of the edits.
func (b Band) ReconstructSmooth() *grid.PixelGrid {
	if len(b) == 0 {
		return nil
	}
	acc := b[len(b)-1].Copy()
	for s := len(b) - 2; s >= 0; s-- {
		acc = Smooth(acc, s)
		acc.Add(b[s])
	}
	return acc
}

// Zero clears the planes with index < first, and the coarse plane when
// dropCoarse is set.
func (b Band) Zero(first int, dropCoarse bool) {
	for s := 0; s < first && s < len(b); s++ {
		b[s].Fill(0)
	}
	if dropCoarse && len(b) > 0 {
		b[len(b)-1].Fill(0)
	}
}
