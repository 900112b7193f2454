package grid

import (
	"fmt"
)

// Role identifies one of the three planes of a Map.
type Role int

const (
	// RoleE is γ1 for a shear map and the E-mode for a convergence map.
	RoleE Role = iota
	// RoleB is γ2 for a shear map and the B-mode for a convergence map.
	RoleB
	// RoleWeight holds the per-pixel galaxy count or summed weight.
	RoleWeight

	numPlanes = 3
)

func (r Role) String() string {
	switch r {
	case RoleE:
		return "E"
	case RoleB:
		return "B"
	case RoleWeight:
		return "weight"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Kind tells which family of operators a Map is meant for.
type Kind int

const (
	Shear Kind = iota
	Convergence
)

func (k Kind) String() string {
	if k == Convergence {
		return "convergence"
	}
	return "shear"
}

// Metadata carries the sky geometry of a map.
type Metadata struct {
	// PixelSize is the angular size of one pixel in degrees.
	PixelSize float64

	RAMin, RAMax   float64
	DecMin, DecMax float64
	ZMin, ZMax     float64

	// NGal is the number of galaxies binned into the map.
	NGal int
}

// Map is a stack of three equally sized planes plus sky metadata. Shear maps
// hold (γ1, γ2, weight) and convergence maps hold (κE, κB, weight).
type Map struct {
	Kind Kind
	Meta Metadata

	planes [numPlanes]*PixelGrid
}

// NewMap allocates a zero-filled map. Width and height must be positive and
// even.
func NewMap(width, height int, kind Kind) (*Map, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmpty
	}
	if width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrOddDimensions, width, height)
	}
	return newMap(width, height, kind), nil
}

func newMap(width, height int, kind Kind) *Map {
	m := &Map{Kind: kind}
	for i := range m.planes {
		m.planes[i] = New(width, height)
	}
	return m
}

// FromPlanes builds a map from existing planes without copying them.
func FromPlanes(kind Kind, e, b, weight *PixelGrid) (*Map, error) {
	if e == nil || b == nil || weight == nil {
		return nil, ErrEmpty
	}
	if !e.SameSize(b) || !e.SameSize(weight) {
		return nil, ErrDimensionMismatch
	}
	if e.Width()%2 != 0 || e.Height()%2 != 0 {
		return nil, ErrOddDimensions
	}
	return &Map{Kind: kind, planes: [numPlanes]*PixelGrid{e, b, weight}}, nil
}

func (m *Map) Width() int  { return m.planes[0].Width() }
func (m *Map) Height() int { return m.planes[0].Height() }

// Plane returns the plane for role. It panics on an unknown role.
func (m *Map) Plane(r Role) *PixelGrid {
	return m.planes[r]
}

func (m *Map) E() *PixelGrid      { return m.planes[RoleE] }
func (m *Map) B() *PixelGrid      { return m.planes[RoleB] }
func (m *Map) Weight() *PixelGrid { return m.planes[RoleWeight] }

// SetPlane replaces a plane. The new plane must match the map size.
func (m *Map) SetPlane(r Role, g *PixelGrid) error {
	if !m.planes[0].SameSize(g) {
		return ErrDimensionMismatch
	}
	m.planes[r] = g
	return nil
}

// At returns the clamped value of plane z at (x, y).
func (m *Map) At(x, y int, z Role) float64 { return m.planes[z].At(x, y) }

// Set stores a clamped value in plane z.
func (m *Map) Set(x, y int, z Role, v float64) { m.planes[z].Set(x, y, v) }

// Copy returns a deep copy of the planes and metadata.
func (m *Map) Copy() *Map {
	c := &Map{Kind: m.Kind, Meta: m.Meta}
	for i, p := range m.planes {
		c.planes[i] = p.Copy()
	}
	return c
}

// CopyMeta returns a zero-filled map of the same size carrying m's metadata.
func (m *Map) CopyMeta(kind Kind) *Map {
	c := newMap(m.Width(), m.Height(), kind)
	c.Meta = m.Meta
	return c
}

// SameSize reports whether two maps share width and height.
func (m *Map) SameSize(o *Map) bool {
	return o != nil && m.planes[0].SameSize(o.planes[0])
}

// CheckSameSize fails fast with ErrDimensionMismatch when the maps differ.
func CheckSameSize(a, b *Map) error {
	if a == nil || b == nil {
		return ErrEmpty
	}
	if !a.SameSize(b) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			a.Width(), a.Height(), b.Width(), b.Height())
	}
	return nil
}

// AddBorders returns a map twice as wide and tall with m centered in the
// middle half and zeros in the outer quarter on every side.
func (m *Map) AddBorders() *Map {
	w, h := m.Width(), m.Height()
	out := newMap(2*w, 2*h, m.Kind)
	out.Meta = m.Meta
	ox, oy := w/2, h/2
	for i, src := range m.planes {
		dst := out.planes[i]
		for y := 0; y < h; y++ {
			copy(dst.values[(y+oy)*dst.width+ox:(y+oy)*dst.width+ox+w], src.values[y*w:(y+1)*w])
		}
	}
	return out
}

// RemoveBorders crops the middle half of m, undoing AddBorders.
func (m *Map) RemoveBorders() (*Map, error) {
	w, h := m.Width(), m.Height()
	if w%4 != 0 || h%4 != 0 {
		return nil, fmt.Errorf("%w: cannot crop borders of %dx%d", ErrOddDimensions, w, h)
	}
	nw, nh := w/2, h/2
	ox, oy := nw/2, nh/2
	out := newMap(nw, nh, m.Kind)
	out.Meta = m.Meta
	for i, src := range m.planes {
		dst := out.planes[i]
		for y := 0; y < nh; y++ {
			copy(dst.values[y*nw:(y+1)*nw], src.values[(y+oy)*w+ox:(y+oy)*w+ox+nw])
		}
	}
	return out, nil
}

// Rebin block-averages the signal planes by 2^bx along x and 2^by along y
// and sums the weight plane. It reports false, returning nil, when both
// exponents are zero, either is negative, or the result would keep one bin
// or fewer on an axis.
func (m *Map) Rebin(bx, by int) (*Map, bool) {
	if bx < 0 || by < 0 || (bx == 0 && by == 0) {
		return nil, false
	}
	fx, fy := 1<<uint(bx), 1<<uint(by)
	nw, nh := m.Width()/fx, m.Height()/fy
	if nw <= 1 || nh <= 1 {
		return nil, false
	}
	out := newMap(nw, nh, m.Kind)
	out.Meta = m.Meta
	out.Meta.PixelSize = m.Meta.PixelSize * float64(fx)
	norm := 1 / float64(fx*fy)
	for i, src := range m.planes {
		dst := out.planes[i]
		for y := 0; y < nh; y++ {
			for x := 0; x < nw; x++ {
				sum := 0.0
				for j := 0; j < fy; j++ {
					row := (y*fy + j) * src.width
					for k := 0; k < fx; k++ {
						sum += src.values[row+x*fx+k]
					}
				}
				if Role(i) == RoleWeight {
					dst.values[y*nw+x] = sum
				} else {
					dst.values[y*nw+x] = sum * norm
				}
			}
		}
	}
	return out, true
}

// String summarises the map for log output.
func (m *Map) String() string {
	return fmt.Sprintf("%s map %dx%d: E{mean=%g std=%g} B{mean=%g std=%g} ngal=%d",
		m.Kind, m.Width(), m.Height(), m.E().Mean(), m.E().Std(), m.B().Mean(), m.B().Std(), m.Meta.NGal)
}
