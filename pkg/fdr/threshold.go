// Package fdr denoises convergence planes in the wavelet domain.
//
// Detection thresholds come from a Benjamini–Hochberg false discovery rate
// test on each detail scale. The coefficients are then regularised with a
// multiscale-entropy proximal filter and the final image is rebuilt with a
// residual-correction loop restricted to the significant coefficients.
package fdr

import (
	"math"
	"sort"

	"massmap/pkg/grid"
	"massmap/pkg/wavelet"
)

const (
	// maxNSigma caps the detection threshold in units of the scale noise.
	maxNSigma = 7.0
	// maxScaleRate caps the per-scale false discovery rate.
	maxScaleRate = 0.5

	tiny = 1e-30
)

// PValue returns the two-sided Gaussian tail probability of a wavelet
// coefficient for a plane noise sigma and scale norm. Zero coefficients and
// a zero sigma give 0, which callers treat as "not tested".
func PValue(coef, sigma, norm float64) float64 {
	if math.Abs(coef) < tiny || sigma*norm < tiny {
		return 0
	}
	return math.Erfc(math.Abs(coef) / (math.Sqrt2 * sigma * norm))
}

// ScaleRate returns min(0.5, rate·2^s), the false discovery rate applied at scale s.
func ScaleRate(rate float64, s int) float64 {
	return math.Min(maxScaleRate, rate*math.Pow(2, float64(s)))
}

// BenjaminiHochberg returns the p-value cutoff for the given list and rate.
// pvals is sorted in place; zeros are skipped as untested. When no p-value
// passes, the first step of the procedure, alpha/N, is returned. An empty
// list gives 0.
func BenjaminiHochberg(pvals []float64, alpha float64) float64 {
	sort.Float64s(pvals)
	first := sort.SearchFloat64s(pvals, tiny)
	tested := pvals[first:]
	n := len(tested)
	if n == 0 {
		return 0
	}

	cutoff := alpha / float64(n)
	for k := n; k >= 1; k-- {
		if tested[k-1] <= float64(k)*alpha/float64(n) {
			cutoff = tested[k-1]
			break
		}
	}
	return cutoff
}

// NSigmaFromPValue converts a two-sided p-value cutoff into a threshold in
// units of sigma, clamped to [0, 7].
func NSigmaFromPValue(p float64) float64 {
	if p <= 0 {
		return maxNSigma
	}
	if p >= 1 {
		return 0
	}
	n := math.Sqrt2 * math.Erfcinv(p)
	return math.Max(0, math.Min(maxNSigma, n))
}

// Thresholds runs the false discovery rate test on every detail scale of
// band and returns NSigma per detail scale. sigma is the noise of the
// undecomposed plane.
func Thresholds(band wavelet.Band, sigma, rate float64) []float64 {
	details := band.NbScales() - 1
	nsigma := make([]float64, max(details, 0))
	for s := 0; s < details; s++ {
		norm := wavelet.NoiseNorm(s)
		coefs := band[s].Values()
		pvals := make([]float64, len(coefs))
		for i, c := range coefs {
			pvals[i] = PValue(c, sigma, norm)
		}
		nsigma[s] = NSigmaFromPValue(BenjaminiHochberg(pvals, ScaleRate(rate, s)))
	}
	return nsigma
}

// Support builds the binary significance mask of each detail scale: 1 where
// |coef| >= NSigma[s]·sigma·norm[s]. With removeIsolated set, detections with
// none of their four axis neighbours detected are dropped.
func Support(band wavelet.Band, nsigma []float64, sigma float64, removeIsolated bool) []*grid.PixelGrid {
	masks := make([]*grid.PixelGrid, len(nsigma))
	for s := range nsigma {
		src := band[s]
		w, h := src.Width(), src.Height()
		m := grid.New(w, h)
		level := nsigma[s] * sigma * wavelet.NoiseNorm(s)
		mv, cv := m.Values(), src.Values()
		for i, c := range cv {
			if math.Abs(c) >= level {
				mv[i] = 1
			}
		}
		if removeIsolated {
			m = dropIsolated(m)
		}
		masks[s] = m
	}
	return masks
}

func dropIsolated(m *grid.PixelGrid) *grid.PixelGrid {
	w, h := m.Width(), m.Height()
	out := m.Copy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.At(x, y) == 0 {
				continue
			}
			neighbours := 0.0
			if x > 0 {
				neighbours += m.At(x-1, y)
			}
			if x < w-1 {
				neighbours += m.At(x+1, y)
			}
			if y > 0 {
				neighbours += m.At(x, y-1)
			}
			if y < h-1 {
				neighbours += m.At(x, y+1)
			}
			if neighbours == 0 {
				out.Set(x, y, 0)
			}
		}
	}
	return out
}
