// Package inpaint fills unobserved pixels of a convergence map by iterating
// between a sparse DCT representation of the convergence and the observed
// shear. Observed shear is restored on every pass so that only the gaps are
// synthesised.
package inpaint

import (
	"errors"
	"fmt"
	"math"

	"massmap/pkg/grid"
	"massmap/pkg/spectral"
	"massmap/pkg/wavelet"
)

var (
	// ErrDimensionMismatch is returned when shear, convergence and mask differ in size.
	ErrDimensionMismatch = errors.New("inpaint: dimension mismatch")

	// ErrInvalidParams is returned by New for unusable settings.
	ErrInvalidParams = errors.New("inpaint: invalid parameters")
)

const (
	// scheduleRate controls how fast the threshold decays from LambdaMax.
	scheduleRate = 2.8

	// observedEpsilon is the shear magnitude below which a pixel counts as
	// unobserved.
	observedEpsilon = 1e-12

	minRegionCount      = 9
	defaultVarianceScan = 4
)

// Params controls an Inpainter.
type Params struct {
	// Iterations is the fixed number of passes; there is no early exit.
	Iterations int
	// LambdaMin is the final DCT threshold.
	LambdaMin float64
	// LambdaMax is the first DCT threshold. Zero or negative sets it to the
	// largest non-DC coefficient magnitude of the first pass.
	LambdaMax float64
	// BlockSize selects a block DCT; 0 transforms the whole plane.
	BlockSize int
	// EqualVariance rescales wavelet coefficients in the gaps whose spread
	// exceeds that of the observed region.
	EqualVariance bool
	// ForceBModeZero zeroes the B-mode convergence inside the gaps before it
	// is mapped back to shear.
	ForceBModeZero bool
	// NbScales is the wavelet scale count used by EqualVariance.
	NbScales int
}

// Result is the output of Run.
type Result struct {
	// Convergence is the inpainted convergence map.
	Convergence *grid.Map
	// Shear is the blended shear: observed where the mask is 1 and
	// synthesised elsewhere.
	Shear *grid.Map
	// Lambdas is the threshold applied at each pass.
	Lambdas []float64
}

// Inpainter runs the DCT inpainting loop.
type Inpainter struct {
	params Params
}

// New validates p.
func New(p Params) (*Inpainter, error) {
	if p.Iterations < 0 {
		return nil, fmt.Errorf("%w: negative iteration count %d", ErrInvalidParams, p.Iterations)
	}
	if p.LambdaMin < 0 {
		return nil, fmt.Errorf("%w: negative lambdaMin %g", ErrInvalidParams, p.LambdaMin)
	}
	if p.BlockSize < 0 {
		return nil, fmt.Errorf("%w: negative block size %d", ErrInvalidParams, p.BlockSize)
	}
	if p.NbScales <= 1 {
		p.NbScales = defaultVarianceScan
	}
	return &Inpainter{params: p}, nil
}

// MaskFromShear derives the observation mask of a shear map: 0 where both
// shear components are zero, 1 elsewhere.
func MaskFromShear(shear *grid.Map) *grid.PixelGrid {
	mask := grid.New(shear.Width(), shear.Height())
	mv := mask.Values()
	g1, g2 := shear.E().Values(), shear.B().Values()
	for i := range mv {
		if math.Abs(g1[i]) > observedEpsilon || math.Abs(g2[i]) > observedEpsilon {
			mv[i] = 1
		}
	}
	return mask
}

// Lambda returns the DCT threshold of pass i out of n:
//
//	λ(i) = λmin + (λmax - λmin)·erfc(2.8·i/n)
//
// The last pass always uses λmin.
func Lambda(i, n int, lambdaMin, lambdaMax float64) float64 {
	if n <= 0 || i >= n-1 {
		return lambdaMin
	}
	l := lambdaMin + (lambdaMax-lambdaMin)*math.Erfc(scheduleRate*float64(i)/float64(n))
	if l < lambdaMin {
		return lambdaMin
	}
	return l
}

// Run inpaints kappa, the convergence estimate of the observed shear, over
// the pixels where mask is 0.
func (p *Inpainter) Run(shear, kappa *grid.Map, mask *grid.PixelGrid) (*Result, error) {
	if shear == nil || kappa == nil || mask == nil {
		return nil, fmt.Errorf("inpaint: %w", grid.ErrEmpty)
	}
	if !shear.SameSize(kappa) || !shear.E().SameSize(mask) {
		return nil, fmt.Errorf("%w: shear %dx%d, convergence %dx%d, mask %dx%d", ErrDimensionMismatch,
			shear.Width(), shear.Height(), kappa.Width(), kappa.Height(), mask.Width(), mask.Height())
	}

	params := p.params
	cur := kappa.Copy()
	blended := shear.Copy()
	res := &Result{Lambdas: make([]float64, 0, params.Iterations)}
	origins := spectral.BlockOrigins(cur.Width(), cur.Height(), params.BlockSize)
	lambdaMax := params.LambdaMax

	for i := 0; i < params.Iterations; i++ {
		e := spectral.DCT(cur.E(), params.BlockSize)
		b := spectral.DCT(cur.B(), params.BlockSize)

		if i == 0 && lambdaMax <= 0 {
			lambdaMax = math.Max(maxACMagnitude(e, origins), maxACMagnitude(b, origins))
		}
		lambda := Lambda(i, params.Iterations, params.LambdaMin, lambdaMax)
		res.Lambdas = append(res.Lambdas, lambda)
		hardThreshold(e, lambda, origins)
		hardThreshold(b, lambda, origins)

		ke := spectral.IDCT(e, params.BlockSize)
		kb := spectral.IDCT(b, params.BlockSize)

		if params.EqualVariance {
			eq, err := EqualizeVariance(ke, mask, params.NbScales)
			if err != nil {
				return nil, err
			}
			ke = eq
		}
		if params.ForceBModeZero {
			kv, mv := kb.Values(), mask.Values()
			for j := range kv {
				if mv[j] == 0 {
					kv[j] = 0
				}
			}
		}

		candidate, err := grid.FromPlanes(grid.Convergence, ke, kb, cur.Weight().Copy())
		if err != nil {
			return nil, fmt.Errorf("inpaint: candidate: %w", err)
		}
		candidate.Meta = cur.Meta

		synth, err := spectral.ToShear(candidate)
		if err != nil {
			return nil, fmt.Errorf("inpaint: %w", err)
		}
		blended = blend(shear, synth, mask)

		cur, err = spectral.ToConvergence(blended)
		if err != nil {
			return nil, fmt.Errorf("inpaint: %w", err)
		}
	}

	res.Convergence = cur
	res.Shear = blended
	return res, nil
}

// blend keeps observed shear where mask is 1 and synthesised shear elsewhere.
// The weight plane and metadata come from the observation.
func blend(observed, synth *grid.Map, mask *grid.PixelGrid) *grid.Map {
	out := observed.Copy()
	mv := mask.Values()
	for _, r := range []grid.Role{grid.RoleE, grid.RoleB} {
		dst, src := out.Plane(r).Values(), synth.Plane(r).Values()
		for i := range dst {
			if mv[i] == 0 {
				dst[i] = src[i]
			}
		}
	}
	return out
}

// hardThreshold zeroes coefficients with |c| < lambda, keeping the DC term
// of every block.
func hardThreshold(coefs *grid.PixelGrid, lambda float64, origins [][2]int) {
	if lambda <= 0 {
		return
	}
	dc := saveDC(coefs, origins)
	v := coefs.Values()
	for i, c := range v {
		if math.Abs(c) < lambda {
			v[i] = 0
		}
	}
	restoreDC(coefs, origins, dc)
}

func saveDC(coefs *grid.PixelGrid, origins [][2]int) []float64 {
	dc := make([]float64, len(origins))
	for i, o := range origins {
		dc[i] = coefs.At(o[0], o[1])
	}
	return dc
}

func restoreDC(coefs *grid.PixelGrid, origins [][2]int, dc []float64) {
	for i, o := range origins {
		coefs.Set(o[0], o[1], dc[i])
	}
}

// maxACMagnitude returns the largest |c| over all non-DC coefficients.
func maxACMagnitude(coefs *grid.PixelGrid, origins [][2]int) float64 {
	dc := saveDC(coefs, origins)
	restoreDC(coefs, origins, make([]float64, len(origins)))
	m := 0.0
	for _, c := range coefs.Values() {
		m = math.Max(m, math.Abs(c))
	}
	restoreDC(coefs, origins, dc)
	return m
}

// EqualizeVariance decomposes kappa into nbScales wavelet planes and, per
// detail scale, shrinks the coefficients inside the gaps (mask 0) when their
// standard deviation exceeds that of the observed region by more than
// 1 + (2/(n+1))^¼, n being the gap pixel count. Both regions need more than
// nine pixels. The planes are summed back into a new image.
func EqualizeVariance(kappa, mask *grid.PixelGrid, nbScales int) (*grid.PixelGrid, error) {
	if !kappa.SameSize(mask) {
		return nil, fmt.Errorf("%w: convergence %dx%d, mask %dx%d", ErrDimensionMismatch,
			kappa.Width(), kappa.Height(), mask.Width(), mask.Height())
	}
	band, err := wavelet.Decompose(kappa, nbScales)
	if err != nil {
		return nil, fmt.Errorf("inpaint: %w", err)
	}
	mv := mask.Values()
	for s := 0; s < band.NbScales()-1; s++ {
		gapStd, gapN := band[s].MaskedStd(mask, 0)
		obsStd, obsN := band[s].MaskedStd(mask, 1)
		if gapN <= minRegionCount || obsN <= minRegionCount || gapStd <= 0 {
			continue
		}
		margin := 1 + math.Pow(2/(float64(gapN)+1), 0.25)
		if gapStd <= obsStd*margin {
			continue
		}
		f := obsStd / gapStd
		bv := band[s].Values()
		for i := range bv {
			if mv[i] == 0 {
				bv[i] *= f
			}
		}
	}
	return band.Reconstruct(), nil
}
