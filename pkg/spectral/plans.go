package spectral

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// planCache hands out transform plans by length. A gonum CmplxFFT keeps an
// internal work buffer, so a plan is owned by one goroutine at a time and is
// returned to a per-length pool afterwards. Construction is serialized under
// mu. DCT basis matrices are immutable once built and shared read-only.
type planCache struct {
	mu   sync.Mutex
	ffts map[int]*sync.Pool
	dcts map[int]*mat.Dense
}

var plans = &planCache{
	ffts: make(map[int]*sync.Pool),
	dcts: make(map[int]*mat.Dense),
}

func (c *planCache) acquireFFT(n int) *fourier.CmplxFFT {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.ffts[n]
	if !ok {
		pool = &sync.Pool{}
		c.ffts[n] = pool
	}
	if f, ok := pool.Get().(*fourier.CmplxFFT); ok {
		return f
	}
	return fourier.NewCmplxFFT(n)
}

func (c *planCache) releaseFFT(f *fourier.CmplxFFT) {
	n := f.Len()
	c.mu.Lock()
	pool := c.ffts[n]
	c.mu.Unlock()
	if pool != nil {
		pool.Put(f)
	}
}

// dctBasis returns the orthonormal DCT-II matrix C of order n, where
// C[k][i] = a_k cos(π(2i+1)k / 2n). The inverse transform is Cᵀ.
func (c *planCache) dctBasis(n int) *mat.Dense {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.dcts[n]; ok {
		return m
	}
	m := mat.NewDense(n, n, nil)
	a0 := math.Sqrt(1 / float64(n))
	ak := math.Sqrt(2 / float64(n))
	for k := 0; k < n; k++ {
		a := ak
		if k == 0 {
			a = a0
		}
		for i := 0; i < n; i++ {
			m.Set(k, i, a*math.Cos(math.Pi*float64((2*i+1)*k)/float64(2*n)))
		}
	}
	c.dcts[n] = m
	return m
}
