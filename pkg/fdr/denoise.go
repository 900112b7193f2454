package fdr

import (
	"errors"
	"fmt"
	"math"

	"massmap/pkg/grid"
	"massmap/pkg/wavelet"
)

const (
	defaultEntropyIterations = 20
	defaultEntropyTolerance  = 0.01

	regulMin     = 0.0
	regulMax     = 100.0
	seedFine     = 5.0
	seedOther    = 1.0
	ratioPlateau = 1.0
)

// ErrInvalidParams is returned by NewDenoiser for unusable settings.
var ErrInvalidParams = errors.New("fdr: invalid parameters")

// Params controls a Denoiser.
type Params struct {
	// NbScales is the number of wavelet planes, coarse residual included.
	NbScales int
	// FDR is the base false discovery rate, in (0, 1).
	FDR float64
	// FirstScale is the 1-based index of the finest scale kept. Planes below
	// it are zeroed before reconstruction.
	FirstScale int
	// Iterations of residual correction after the initial estimate.
	Iterations int
	// Positivity clamps the estimate to non-negative values.
	Positivity bool
	// KillLastScale zeroes the coarse residual.
	KillLastScale bool
	// RemoveIsolated drops single-pixel detections from the support.
	RemoveIsolated bool
	// Entropy enables the multiscale-entropy filter on the coefficients.
	// When off, the support-masked coefficients seed the estimate.
	Entropy bool
	// EntropyIterations bounds the regularisation search (default 20).
	EntropyIterations int
	// EntropyTolerance stops the search when every residual ratio is within
	// this distance of 1 (default 0.01).
	EntropyTolerance float64
	// Sigma is the noise of the input plane. Zero estimates it from the data.
	Sigma float64
}

// DefaultParams returns the settings used by the pipeline when nothing is configured.
func DefaultParams() Params {
	return Params{
		NbScales:          5,
		FDR:               0.05,
		FirstScale:        1,
		Iterations:        10,
		RemoveIsolated:    true,
		Entropy:           true,
		EntropyIterations: defaultEntropyIterations,
		EntropyTolerance:  defaultEntropyTolerance,
	}
}

// Result holds a denoised plane together with the detection state used to build it.
type Result struct {
	Image *grid.PixelGrid
	// NSigma is the detection threshold per detail scale.
	NSigma []float64
	// Support is the binary significance mask per detail scale.
	Support []*grid.PixelGrid
	// Sigma is the noise level that was used.
	Sigma float64
	// Regularization is the final entropy weight per detail scale.
	Regularization []float64
	// RatioHistory records, per entropy iteration, the residual to noise
	// ratio of each detail scale.
	RatioHistory [][]float64
}

// Denoiser filters convergence planes with FDR thresholds and multiscale entropy.
type Denoiser struct {
	params Params
}

// NewDenoiser validates p and fills unset search controls.
func NewDenoiser(p Params) (*Denoiser, error) {
	if p.NbScales < 2 {
		return nil, fmt.Errorf("%w: need at least 2 scales, got %d", ErrInvalidParams, p.NbScales)
	}
	if p.FDR <= 0 || p.FDR >= 1 {
		return nil, fmt.Errorf("%w: fdr rate %g outside (0, 1)", ErrInvalidParams, p.FDR)
	}
	if p.FirstScale < 1 {
		p.FirstScale = 1
	}
	if p.Iterations < 0 {
		return nil, fmt.Errorf("%w: negative iterations %d", ErrInvalidParams, p.Iterations)
	}
	if p.EntropyIterations <= 0 {
		p.EntropyIterations = defaultEntropyIterations
	}
	if p.EntropyTolerance <= 0 {
		p.EntropyTolerance = defaultEntropyTolerance
	}
	return &Denoiser{params: p}, nil
}

// Params returns the effective settings.
func (d *Denoiser) Params() Params { return d.params }

// Denoise filters g and returns the estimate with its detection state.
func (d *Denoiser) Denoise(g *grid.PixelGrid) (*Result, error) {
	if g == nil || g.Len() == 0 {
		return nil, fmt.Errorf("fdr: %w", grid.ErrEmpty)
	}
	p := d.params

	sigma := p.Sigma
	if sigma <= 0 {
		sigma = g.Std()
	}

	band, err := wavelet.Decompose(g, p.NbScales)
	if err != nil {
		return nil, fmt.Errorf("fdr: decompose input: %w", err)
	}

	nsigma := Thresholds(band, sigma, p.FDR)
	support := Support(band, nsigma, sigma, p.RemoveIsolated)
	res := &Result{NSigma: nsigma, Support: support, Sigma: sigma}

	var base wavelet.Band
	if p.Entropy {
		base, res.Regularization, res.RatioHistory, err = d.entropyFilter(band, sigma)
		if err != nil {
			return nil, err
		}
	} else {
		base = band.Copy()
		applySupport(base, support)
	}
	first := p.FirstScale - 1
	base.Zero(first, p.KillLastScale)
	estimate := base.ReconstructSmooth()

	for i := 0; i < p.Iterations; i++ {
		residual := g.Copy()
		if err := residual.Sub(estimate); err != nil {
			return nil, fmt.Errorf("fdr: residual: %w", err)
		}
		rb, err := wavelet.Decompose(residual, p.NbScales)
		if err != nil {
			return nil, fmt.Errorf("fdr: decompose residual: %w", err)
		}
		applySupport(rb, support)
		rb.Zero(first, p.KillLastScale)
		correction := rb.ReconstructSmooth()

		ev, cv := estimate.Values(), correction.Values()
		for j, c := range cv {
			if c > 0 {
				ev[j] += c
			}
		}
	}

	if p.Positivity {
		estimate.ClampNegative()
	}
	res.Image = estimate
	return res, nil
}

// applySupport zeroes detail coefficients outside the significance mask.
// The coarse plane is left untouched.
func applySupport(band wavelet.Band, support []*grid.PixelGrid) {
	for s, m := range support {
		if s >= band.NbScales()-1 {
			break
		}
		bv, mv := band[s].Values(), m.Values()
		for i := range bv {
			if mv[i] == 0 {
				bv[i] = 0
			}
		}
	}
}

// entropyFilter searches a per-scale entropy weight so that the residual of
// each detail scale has the noise level of that scale. The weights are found
// by bisection inside [0, 100].
func (d *Denoiser) entropyFilter(band wavelet.Band, sigma float64) (wavelet.Band, []float64, [][]float64, error) {
	p := d.params
	details := band.NbScales() - 1
	first := p.FirstScale - 1

	lo := make([]float64, details)
	hi := make([]float64, details)
	alpha := make([]float64, details)
	for s := range alpha {
		lo[s], hi[s] = regulMin, regulMax
		alpha[s] = seedOther
	}
	alpha[0] = seedFine

	var (
		filtered wavelet.Band
		history  [][]float64
	)
	for it := 0; it < p.EntropyIterations; it++ {
		if it > 0 {
			for s := range alpha {
				alpha[s] = 0.5 * (lo[s] + hi[s])
			}
		}

		filtered = band.Copy()
		for s := first; s < details; s++ {
			level := sigma * wavelet.NoiseNorm(s)
			fv := filtered[s].Values()
			for i, c := range fv {
				fv[i] = filterCoefficient(c, level, alpha[s])
			}
		}

		trial := filtered.ReconstructSmooth()
		if p.Positivity {
			trial.ClampNegative()
		}
		tb, err := wavelet.Decompose(trial, p.NbScales)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fdr: decompose trial: %w", err)
		}

		ratios := make([]float64, details)
		worst := 0.0
		for s := first; s < details; s++ {
			level := sigma * wavelet.NoiseNorm(s)
			if level < tiny {
				continue
			}
			r := band[s].Copy()
			if err := r.Sub(tb[s]); err != nil {
				return nil, nil, nil, fmt.Errorf("fdr: scale %d residual: %w", s, err)
			}
			ratios[s] = r.Std() / level
			if ratios[s] >= ratioPlateau {
				hi[s] = alpha[s]
			} else {
				lo[s] = alpha[s]
			}
			worst = math.Max(worst, math.Abs(ratios[s]-ratioPlateau))
		}
		history = append(history, ratios)
		if worst < p.EntropyTolerance {
			break
		}
	}
	return filtered, alpha, history, nil
}
