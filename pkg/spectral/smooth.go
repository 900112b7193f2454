package spectral

import (
	"fmt"
	"math"

	"massmap/pkg/grid"
)

// GaussianSmooth convolves a plane with a Gaussian of standard deviation
// sigma pixels, applied as a product in the Fourier domain. sigma <= 0
// returns an unchanged copy.
func GaussianSmooth(g *grid.PixelGrid, sigma float64) *grid.PixelGrid {
	if sigma <= 0 {
		return g.Copy()
	}
	re, _ := smoothPair(g, grid.New(g.Width(), g.Height()), sigma)
	return re
}

// SmoothMap returns a copy of m whose E and B planes are Gaussian smoothed.
// Both planes share one complex transform since the kernel is real and even.
func SmoothMap(m *grid.Map, sigma float64) (*grid.Map, error) {
	if m == nil {
		return nil, ErrNilMap
	}
	out := m.Copy()
	if sigma <= 0 {
		return out, nil
	}
	e, b := smoothPair(m.E(), m.B(), sigma)
	if err := out.SetPlane(grid.RoleE, e); err != nil {
		return nil, fmt.Errorf("spectral: %w", err)
	}
	if err := out.SetPlane(grid.RoleB, b); err != nil {
		return nil, fmt.Errorf("spectral: %w", err)
	}
	return out, nil
}

func smoothPair(re, im *grid.PixelGrid, sigma float64) (*grid.PixelGrid, *grid.PixelGrid) {
	w, h := re.Width(), re.Height()
	data := pack(re, im)
	fft2D(data, w, h, false)

	// exp(-2π²σ²(fx² + fy²)), frequencies in cycles per pixel
	c := -2 * math.Pi * math.Pi * sigma * sigma
	gx := make([]float64, w)
	for x := range gx {
		f := frequency(x, w) / float64(w)
		gx[x] = math.Exp(c * f * f)
	}
	grid.ParallelRows(h, func(start, end int) {
		for y := start; y < end; y++ {
			f := frequency(y, h) / float64(h)
			gy := math.Exp(c * f * f)
			for x := 0; x < w; x++ {
				data[y*w+x] *= complex(gx[x]*gy, 0)
			}
		}
	})

	fft2D(data, w, h, true)
	return unpack(data, w, h)
}
