// Package spectral holds the Fourier- and cosine-domain operators used by the
// mass-mapping pipeline: the Kaiser–Squires shear/convergence operator,
// Fourier Gaussian smoothing and the 2D DCT used for inpainting.
package spectral

import (
	"errors"
	"fmt"

	"massmap/pkg/grid"
)

var (
	// ErrDimensionMismatch is returned when a map's planes disagree in size.
	ErrDimensionMismatch = errors.New("spectral: dimension mismatch")

	// ErrNilMap is returned when a nil map is passed to an operator.
	ErrNilMap = errors.New("spectral: nil map")
)

// ToConvergence maps a shear map (γ1, γ2, weight) to a convergence map
// (κE, κB, weight) with the Kaiser–Squires operator. The mean convergence is
// unconstrained by shear and comes out as zero.
func ToConvergence(shear *grid.Map) (*grid.Map, error) {
	return kaiserSquires(shear, grid.Convergence, 1)
}

// ToShear is the inverse of ToConvergence.
func ToShear(kappa *grid.Map) (*grid.Map, error) {
	return kaiserSquires(kappa, grid.Shear, -1)
}

// kaiserSquires multiplies the Fourier transform of E + iB by
//
//	P(l1, l2) = (l1² - l2² + sign·2i·l1·l2) / (l1² + l2²),  P(0, 0) = 0
//
// where l1 is the signed frequency along x and l2 along y.
func kaiserSquires(in *grid.Map, kind grid.Kind, sign float64) (*grid.Map, error) {
	if in == nil {
		return nil, ErrNilMap
	}
	w, h := in.Width(), in.Height()
	if !in.E().SameSize(in.B()) || !in.E().SameSize(in.Weight()) {
		return nil, fmt.Errorf("%w: planes of %dx%d map differ", ErrDimensionMismatch, w, h)
	}

	data := pack(in.E(), in.B())
	fft2D(data, w, h, false)

	grid.ParallelRows(h, func(start, end int) {
		for y := start; y < end; y++ {
			l2 := frequency(y, h)
			for x := 0; x < w; x++ {
				idx := y*w + x
				l1 := frequency(x, w)
				k2 := l1*l1 + l2*l2
				if k2 == 0 {
					data[idx] = 0
					continue
				}
				p := complex((l1*l1-l2*l2)/k2, sign*2*l1*l2/k2)
				data[idx] *= p
			}
		}
	})

	fft2D(data, w, h, true)

	e, b := unpack(data, w, h)
	out, err := grid.FromPlanes(kind, e, b, in.Weight().Copy())
	if err != nil {
		return nil, fmt.Errorf("spectral: %w", err)
	}
	out.Meta = in.Meta
	return out, nil
}
