package pipeline

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"massmap/pkg/config"
	"massmap/pkg/grid"
	"massmap/pkg/inpaint"
)

// noiseStream is the PCG stream shared by every realization; the seed
// varies per realization.
const noiseStream = 0x6d6173736d6170

// SNRAccumulator keeps the per-pixel sum of squares of an ensemble of
// noise-only convergence maps. It is safe for concurrent use.
type SNRAccumulator struct {
	mu    sync.Mutex
	sum   *grid.Map
	count int
}

// NewSNRAccumulator creates an empty accumulator for maps of the given size
func NewSNRAccumulator(width, height int) (*SNRAccumulator, error) {
	sum, err := grid.NewMap(width, height, grid.Convergence)
	if err != nil {
		return nil, err
	}
	return &SNRAccumulator{sum: sum}, nil
}

// Add accumulates κE² and κB² of one realization
func (a *SNRAccumulator) Add(m *grid.Map) error {
	if err := grid.CheckSameSize(a.sum, m); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range []grid.Role{grid.RoleE, grid.RoleB} {
		sv := a.sum.Plane(r).Values()
		for i, v := range m.Plane(r).Values() {
			sv[i] += v * v
		}
	}
	a.count++
	return nil
}

// Count returns the number of accumulated realizations
func (a *SNRAccumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Noise returns the per-pixel noise map sqrt(sum/N). It is zero when no
// realization was added.
func (a *SNRAccumulator) Noise() *grid.Map {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.sum.CopyMeta(grid.Convergence)
	if a.count == 0 {
		return out
	}
	n := float64(a.count)
	for _, r := range []grid.Role{grid.RoleE, grid.RoleB} {
		ov := out.Plane(r).Values()
		for i, v := range a.sum.Plane(r).Values() {
			ov[i] = math.Sqrt(v / n)
		}
	}
	return out
}

// SNR divides signal by noise per pixel and plane. Pixels where the noise
// is zero get zero significance. The weight plane and metadata come from
// signal.
func SNR(signal, noise *grid.Map) (*grid.Map, error) {
	if err := grid.CheckSameSize(signal, noise); err != nil {
		return nil, err
	}
	out := signal.Copy()
	out.Kind = grid.Convergence
	for _, r := range []grid.Role{grid.RoleE, grid.RoleB} {
		ov, nv := out.Plane(r).Values(), noise.Plane(r).Values()
		for i := range ov {
			if nv[i] > 0 {
				ov[i] /= nv[i]
			} else {
				ov[i] = 0
			}
		}
	}
	return out, nil
}

// NoiseRealization draws a noise-only shear map on the observed pixels of
// observed. With a positive shape noise each component is Gaussian with
// σ = shapeNoise/√max(weight, 1); otherwise the observed shear is rotated
// by a random angle, which keeps its amplitude and destroys the lensing
// signal. The same seed and index always give the same map.
func NoiseRealization(observed *grid.Map, shapeNoise float64, seed, index uint64) *grid.Map {
	out := observed.CopyMeta(grid.Shear)
	copy(out.Weight().Values(), observed.Weight().Values())

	src := rand.NewPCG(seed+index, noiseStream)
	mask := inpaint.MaskFromShear(observed).Values()
	g1, g2 := observed.E().Values(), observed.B().Values()
	n1, n2 := out.E().Values(), out.B().Values()
	w := observed.Weight().Values()

	if shapeNoise > 0 {
		norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
		for i := range n1 {
			if mask[i] == 0 {
				continue
			}
			sigma := shapeNoise / math.Sqrt(math.Max(w[i], 1))
			n1[i] = sigma * norm.Rand()
			n2[i] = sigma * norm.Rand()
		}
		return out
	}

	angle := distuv.Uniform{Min: 0, Max: math.Pi, Src: src}
	for i := range n1 {
		if mask[i] == 0 {
			continue
		}
		s, c := math.Sincos(2 * angle.Rand())
		n1[i] = g1[i]*c - g2[i]*s
		n2[i] = g1[i]*s + g2[i]*c
	}
	return out
}

// RunMonteCarlo estimates the noise of the convergence products and fills
// prod.Noise and prod.SNR. Each realization is mapped exactly like the data
// and, for the gaussian method, smoothed with the same kernel; the SNR is
// then taken against the denoised map, or against the noisy map for the
// other methods. Realizations run concurrently, bounded by the pipeline's
// processing.numCores.
func (p *Pipeline) RunMonteCarlo(ctx context.Context, prod *Products) error {
	n := p.cfg.Noise.Realizations
	if n <= 0 || prod == nil || prod.Noisy == nil {
		return nil
	}
	p.logf("Running %d noise realizations...", n)

	observed := prod.Corrected
	if observed == nil {
		observed = prod.Shear
	}
	acc, err := NewSNRAccumulator(prod.Noisy.Width(), prod.Noisy.Height())
	if err != nil {
		return stageError(StageSpectral, err)
	}

	smooth := p.cfg.Denoising.Method == config.MethodGaussian
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			noise := NoiseRealization(observed, p.cfg.Noise.ShapeNoise, p.cfg.Noise.Seed, uint64(i))
			padded, _, err := p.mapShear(noise)
			if err != nil {
				return err
			}
			kappa, err := p.crop(padded)
			if err != nil {
				return err
			}
			if smooth {
				if kappa, err = smoothGaussian(kappa, p.cfg.Denoising.GaussianSigma); err != nil {
					return stageError(StageSpectral, err)
				}
			}
			if err := acc.Add(kappa); err != nil {
				return stageError(StageSpectral, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	signal := prod.Noisy
	if smooth && prod.Denoised != nil {
		signal = prod.Denoised
	}
	noise := acc.Noise()
	noise.Meta = signal.Meta
	if err := noise.Weight().CopyFrom(signal.Weight()); err != nil {
		return stageError(StageSpectral, err)
	}
	snr, err := SNR(signal, noise)
	if err != nil {
		return stageError(StageSpectral, err)
	}
	prod.Noise = noise
	prod.SNR = snr
	p.logf("  %d realizations, mean E noise %.4g, max SNR %.2f", acc.Count(), noise.E().Mean(), snr.E().Max())
	p.saveIntermediary("06_snr", snr)
	return nil
}
