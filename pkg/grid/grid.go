// Package grid provides the dense pixel planes and three-plane maps that every
// stage of the mass-mapping pipeline reads and writes.
//
// A PixelGrid stores its values row-major. Accessors clamp out-of-range
// coordinates to the nearest edge instead of failing, which is what the
// dilated wavelet filters and border handling rely on.
package grid

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDimensionMismatch is returned when two grids or maps that must share
	// a shape do not.
	ErrDimensionMismatch = errors.New("grid: dimension mismatch")

	// ErrOddDimensions is returned when a map would violate the even
	// width/height invariant required by border padding.
	ErrOddDimensions = errors.New("grid: width and height must be even")

	// ErrEmpty is returned for grids with a non-positive width or height.
	ErrEmpty = errors.New("grid: empty grid")
)

// PixelGrid is a width×height plane of real values.
type PixelGrid struct {
	width  int
	height int
	values []float64
}

// New allocates a zero-filled grid.
func New(width, height int) *PixelGrid {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &PixelGrid{
		width:  width,
		height: height,
		values: make([]float64, width*height),
	}
}

// FromSlice wraps a copy of data (row-major, len == width*height) in a grid.
func FromSlice(width, height int, data []float64) (*PixelGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmpty
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%w: %d values for %dx%d grid", ErrDimensionMismatch, len(data), width, height)
	}
	g := New(width, height)
	copy(g.values, data)
	return g, nil
}

func (g *PixelGrid) Width() int  { return g.width }
func (g *PixelGrid) Height() int { return g.height }
func (g *PixelGrid) Len() int    { return len(g.values) }

// Values exposes the backing row-major slice. Writes through it are visible
// to the grid.
func (g *PixelGrid) Values() []float64 { return g.values }

// SameSize reports whether g and o have identical dimensions.
func (g *PixelGrid) SameSize(o *PixelGrid) bool {
	return o != nil && g.width == o.width && g.height == o.height
}

func (g *PixelGrid) clamp(x, y int) (int, int) {
	if x < 0 {
		x = 0
	} else if x >= g.width {
		x = g.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.height {
		y = g.height - 1
	}
	return x, y
}

// At returns the value at (x, y), clamping the coordinates to the grid.
func (g *PixelGrid) At(x, y int) float64 {
	x, y = g.clamp(x, y)
	return g.values[y*g.width+x]
}

// Set stores v at (x, y), clamping the coordinates to the grid.
func (g *PixelGrid) Set(x, y int, v float64) {
	x, y = g.clamp(x, y)
	g.values[y*g.width+x] = v
}

// Copy returns a deep copy.
func (g *PixelGrid) Copy() *PixelGrid {
	c := New(g.width, g.height)
	copy(c.values, g.values)
	return c
}

// CopyFrom overwrites g with the contents of o.
func (g *PixelGrid) CopyFrom(o *PixelGrid) error {
	if !g.SameSize(o) {
		return ErrDimensionMismatch
	}
	copy(g.values, o.values)
	return nil
}

// Fill sets every pixel to v.
func (g *PixelGrid) Fill(v float64) {
	for i := range g.values {
		g.values[i] = v
	}
}

// Scale multiplies every pixel by f.
func (g *PixelGrid) Scale(f float64) {
	floats.Scale(f, g.values)
}

// Add accumulates o into g.
func (g *PixelGrid) Add(o *PixelGrid) error {
	if !g.SameSize(o) {
		return ErrDimensionMismatch
	}
	floats.Add(g.values, o.values)
	return nil
}

// Sub subtracts o from g.
func (g *PixelGrid) Sub(o *PixelGrid) error {
	if !g.SameSize(o) {
		return ErrDimensionMismatch
	}
	floats.Sub(g.values, o.values)
	return nil
}

// Mean returns the average pixel value.
func (g *PixelGrid) Mean() float64 {
	if len(g.values) == 0 {
		return 0
	}
	return stat.Mean(g.values, nil)
}

// Std returns sqrt(E[x²]-E[x]²) over the grid.
func (g *PixelGrid) Std() float64 {
	if len(g.values) == 0 {
		return 0
	}
	_, std := stat.PopMeanStdDev(g.values, nil)
	if math.IsNaN(std) {
		return 0
	}
	return std
}

func (g *PixelGrid) Min() float64 {
	if len(g.values) == 0 {
		return 0
	}
	return floats.Min(g.values)
}

func (g *PixelGrid) Max() float64 {
	if len(g.values) == 0 {
		return 0
	}
	return floats.Max(g.values)
}

// Flux returns the sum of all pixels.
func (g *PixelGrid) Flux() float64 {
	return floats.Sum(g.values)
}

// Threshold zeroes every value below t.
func (g *PixelGrid) Threshold(t float64) {
	for i, v := range g.values {
		if v < t {
			g.values[i] = 0
		}
	}
}

// ClampNegative replaces negative values with zero.
func (g *PixelGrid) ClampNegative() {
	g.Threshold(0)
}

// MaskedStd returns the population standard deviation of the pixels whose
// selector value equals want, together with how many pixels were selected.
func (g *PixelGrid) MaskedStd(selector *PixelGrid, want float64) (float64, int) {
	if !g.SameSize(selector) {
		return 0, 0
	}
	picked := make([]float64, 0, len(g.values))
	for i, v := range g.values {
		if selector.values[i] == want {
			picked = append(picked, v)
		}
	}
	if len(picked) == 0 {
		return 0, 0
	}
	_, std := stat.PopMeanStdDev(picked, nil)
	return std, len(picked)
}

// String summarises the grid for log output.
func (g *PixelGrid) String() string {
	return fmt.Sprintf("grid[%dx%d, vals{%f,%f}]", g.width, g.height, g.Min(), g.Max())
}
