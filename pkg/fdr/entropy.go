package fdr

import (
	"math"
)

const (
	tableStep = 0.01
	tableMax  = 5.0

	proxSteps     = 100
	proxTolerance = 0.001
)

// entropyTable samples the derivatives of the Gaussian multiscale entropy
// terms for unit noise:
//
//	hs'(x) = ∫₀ˣ erf(u/√2) du
//	hn'(x) = ∫₀ˣ erfc(u/√2) du
//
// It is built once and only read afterwards.
type entropyTable struct {
	dhs []float64
	dhn []float64
}

var entropy = newEntropyTable()

func newEntropyTable() *entropyTable {
	n := int(math.Round(tableMax/tableStep)) + 1
	t := &entropyTable{dhs: make([]float64, n), dhn: make([]float64, n)}
	for i := 0; i < n; i++ {
		x := float64(i) * tableStep
		s := x*math.Erf(x/math.Sqrt2) + math.Sqrt(2/math.Pi)*(math.Exp(-x*x/2)-1)
		t.dhs[i] = s
		t.dhn[i] = x - s
	}
	return t
}

// lookup interpolates linearly inside the table and extrapolates the last
// segment beyond it.
func lookup(tab []float64, x float64) float64 {
	if x <= 0 {
		return 0
	}
	last := len(tab) - 1
	pos := x / tableStep
	i := int(pos)
	if i >= last {
		i = last - 1
	}
	frac := pos - float64(i)
	return tab[i] + frac*(tab[i+1]-tab[i])
}

func (t *entropyTable) signal(x float64) float64 { return lookup(t.dhs, x) }
func (t *entropyTable) noise(x float64) float64  { return lookup(t.dhn, x) }

// proxEntropy solves min_x hs(d - x) + alpha·hn(x) over x in [0, d] for a
// non-negative normalised coefficient d, by bisection on the derivative
// alpha·hn'(x) - hs'(d - x), which is increasing in x.
func proxEntropy(d, alpha float64) float64 {
	if d <= 0 {
		return 0
	}
	if alpha <= 0 {
		return d
	}
	lo, hi := 0.0, d
	for i := 0; i < proxSteps && hi-lo > proxTolerance; i++ {
		mid := 0.5 * (lo + hi)
		if alpha*entropy.noise(mid)-entropy.signal(d-mid) > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0.5 * (lo + hi)
}

// filterCoefficient applies proxEntropy to a raw coefficient with noise
// level sigma, keeping its sign.
func filterCoefficient(c, sigma, alpha float64) float64 {
	if sigma < tiny {
		return c
	}
	x := proxEntropy(math.Abs(c)/sigma, alpha) * sigma
	if c < 0 {
		return -x
	}
	return x
}
