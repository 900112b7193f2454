// Package pipeline turns a shear map into noisy, denoised and significance
// convergence maps.
//
// A Pipeline walks a fixed sequence of states:
//
//	Init → FirstPass → ReducedShearPass* → BorderCrop → NoiseSnapshot → Denoise → DenoiseSnapshot → Done
//
// FirstPass maps the shear to convergence with the Kaiser–Squires operator,
// optionally on a zero-padded map and followed by DCT inpainting of the
// unobserved pixels. When the reduced-shear correction is enabled the shear
// is corrected with the current convergence estimate and mapped again, a
// fixed number of times. The padded border is then cropped, the result kept
// as the noisy product and finally denoised with a Gaussian kernel or with
// the FDR wavelet denoiser.
//
// Significance maps are produced separately by RunMonteCarlo, which pushes
// noise-only realizations of the shear through the same mapping chain.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"massmap/pkg/config"
	"massmap/pkg/fdr"
	"massmap/pkg/grid"
	"massmap/pkg/inpaint"
	"massmap/pkg/spectral"
	"massmap/pkg/visualization"
	"massmap/pkg/wavelet"
)

// Stage names carried by StageError
const (
	StageConfig   = "config"
	StageSpectral = "spectral"
	StageWavelet  = "wavelet"
	StageFDR      = "fdr"
	StageInpaint  = "inpaint"
	StageIO       = "io"
)

// ErrNotShear is returned when Process is given a convergence map.
var ErrNotShear = errors.New("pipeline: input is not a shear map")

// minDenominator bounds 1-κ from below in the reduced-shear correction.
const minDenominator = 0.1

// StageError records which stage of the pipeline could not proceed
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// State is a step of Process
type State int

const (
	StateInit State = iota
	StateFirstPass
	StateReducedShearPass
	StateBorderCrop
	StateNoiseSnapshot
	StateDenoise
	StateDenoiseSnapshot
	StateDone
)

var stateNames = map[State]string{
	StateInit:             "Init",
	StateFirstPass:        "FirstPass",
	StateReducedShearPass: "ReducedShearPass",
	StateBorderCrop:       "BorderCrop",
	StateNoiseSnapshot:    "NoiseSnapshot",
	StateDenoise:          "Denoise",
	StateDenoiseSnapshot:  "DenoiseSnapshot",
	StateDone:             "Done",
}

var stateDescriptions = map[State]string{
	StateInit:             "Checking input shear map",
	StateFirstPass:        "Mapping shear to convergence",
	StateReducedShearPass: "Correcting for reduced shear",
	StateBorderCrop:       "Removing borders",
	StateNoiseSnapshot:    "Keeping noisy convergence",
	StateDenoise:          "Denoising convergence",
	StateDenoiseSnapshot:  "Keeping denoised convergence",
	StateDone:             "Done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Products holds every map produced for one shear map
type Products struct {
	// Shear is the observed input map
	Shear *grid.Map

	// Corrected is the shear map after the last reduced-shear correction,
	// or Shear when no correction ran
	Corrected *grid.Map

	// Noisy is the convergence map before denoising
	Noisy *grid.Map

	// Denoised is nil when the denoising method is none
	Denoised *grid.Map

	// Noise and SNR are filled by RunMonteCarlo
	Noise *grid.Map
	SNR   *grid.Map

	// Inpainting is the result of the last inpainting run, nil when disabled
	Inpainting *inpaint.Result

	// Denoising is the FDR detection state, nil unless the fdr method ran
	Denoising *fdr.Result

	// ReducedPasses counts the reduced-shear passes that ran
	ReducedPasses int

	// States lists every state Process went through, in order
	States []State
}

// Pipeline maps shear to convergence according to a configuration.
// A Pipeline holds no per-run state and may process several maps.
type Pipeline struct {
	cfg       *config.Config
	name      string
	workers   int
	inpainter *inpaint.Inpainter
	denoiser  *fdr.Denoiser
}

// New creates a pipeline from a validated configuration.
//
// processing.numCores bounds the concurrent noise realizations of this
// pipeline. It also becomes the process-wide row parallelism of package grid
// (grid.SetWorkers), so pipelines built with different core counts share the
// row bound of the last one created.
//
// Parameters:
//   - cfg: the configuration; it must not be modified while the pipeline is in use
//
// Returns:
//   - the pipeline, or a StageError naming the stage whose settings are unusable
func New(cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, stageError(StageConfig, fmt.Errorf("%w: nil configuration", config.ErrInvalidConfig))
	}
	if err := cfg.Validate(); err != nil {
		return nil, stageError(StageConfig, err)
	}
	workers := cfg.Processing.NumCores
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	grid.SetWorkers(workers)

	p := &Pipeline{cfg: cfg, name: "map", workers: workers}

	if cfg.Inpainting.Iterations > 0 {
		in, err := inpaint.New(inpaint.Params{
			Iterations:     cfg.Inpainting.Iterations,
			LambdaMin:      cfg.Inpainting.LambdaMin,
			LambdaMax:      cfg.Inpainting.LambdaMax,
			BlockSize:      cfg.Inpainting.BlockSize,
			EqualVariance:  cfg.Inpainting.EqualVariance,
			ForceBModeZero: cfg.Inpainting.ForceBModeZero,
			NbScales:       cfg.Inpainting.Scales,
		})
		if err != nil {
			return nil, stageError(StageInpaint, err)
		}
		p.inpainter = in
	}

	if cfg.Denoising.Method == config.MethodFDR {
		params := fdr.DefaultParams()
		params.NbScales = cfg.Denoising.NbScales
		params.FDR = cfg.Denoising.FDR
		params.FirstScale = cfg.Denoising.FirstScale
		params.Iterations = cfg.Denoising.Iterations
		params.Positivity = cfg.Denoising.Positivity
		params.KillLastScale = cfg.Denoising.KillLastScale
		params.RemoveIsolated = cfg.Denoising.RemoveIsolated
		params.Entropy = cfg.Denoising.Entropy
		d, err := fdr.NewDenoiser(params)
		if err != nil {
			return nil, stageError(StageFDR, err)
		}
		p.denoiser = d
	}

	return p, nil
}

// Named returns a copy of the pipeline whose intermediary results and
// products are labelled with name.
func (p *Pipeline) Named(name string) *Pipeline {
	q := *p
	q.name = name
	return &q
}

// Name returns the product label.
func (p *Pipeline) Name() string { return p.name }

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// intermediaryDir is where per-stage images are written
func (p *Pipeline) intermediaryDir() string {
	return filepath.Join(p.cfg.Output.Directory, "intermediary", p.name)
}

func (p *Pipeline) logf(format string, v ...interface{}) {
	if p.cfg.Output.Verbose {
		Logf(format, v...)
	}
}

// enter records a state transition and prints it as a numbered step
func (p *Pipeline) enter(prod *Products, s State) {
	prod.States = append(prod.States, s)
	p.logf("Step %d: %s...", len(prod.States), stateDescriptions[s])
}

// Process runs the state machine on an observed shear map.
//
// Returns:
//   - the noisy and denoised products; Noise and SNR stay nil until RunMonteCarlo
//   - a StageError naming the failing stage
func (p *Pipeline) Process(shear *grid.Map) (*Products, error) {
	prod := &Products{}

	p.enter(prod, StateInit)
	if shear == nil {
		return nil, stageError(StageSpectral, spectral.ErrNilMap)
	}
	if shear.Kind != grid.Shear {
		return nil, stageError(StageIO, fmt.Errorf("%w: got a %s map", ErrNotShear, shear.Kind))
	}
	prod.Shear = shear
	prod.Corrected = shear
	p.logf("  %s", shear)

	if p.cfg.Output.SaveIntermediaryResults {
		if err := os.MkdirAll(p.intermediaryDir(), 0755); err != nil {
			return nil, stageError(StageIO, fmt.Errorf("failed to create intermediary directory: %w", err))
		}
		p.saveIntermediary("01_shear", shear)
		p.saveCoverage(shear)
	}

	p.enter(prod, StateFirstPass)
	kappa, inp, err := p.mapShear(shear)
	if err != nil {
		return nil, err
	}
	prod.Inpainting = inp
	p.saveCropped("02_first_pass", kappa)

	if p.cfg.Processing.ReducedShear {
		for pass := 1; pass <= p.cfg.Processing.MaxReducedPasses; pass++ {
			p.enter(prod, StateReducedShearPass)
			current, err := p.crop(kappa)
			if err != nil {
				return nil, err
			}
			corrected, n, err := p.correctShear(shear, current)
			if err != nil {
				return nil, err
			}
			p.logf("  pass %d corrected %d pixels", pass, n)

			kappa, inp, err = p.mapShear(corrected)
			if err != nil {
				return nil, err
			}
			prod.Corrected = corrected
			prod.Inpainting = inp
			prod.ReducedPasses = pass
			p.saveCropped(fmt.Sprintf("03_reduced_pass_%d", pass), kappa)
		}
	}

	p.enter(prod, StateBorderCrop)
	noisy, err := p.crop(kappa)
	if err != nil {
		return nil, err
	}
	noisy.Meta = shear.Meta

	p.enter(prod, StateNoiseSnapshot)
	prod.Noisy = noisy
	p.logf("  %s", noisy)
	if p.cfg.Output.SaveIntermediaryResults {
		p.saveIntermediary("04_noisy", noisy)
		if inp != nil {
			p.saveHistory("inpaint_lambda.png", "inpainting threshold", "lambda",
				[]visualization.Series{{Name: "lambda", Values: inp.Lambdas}})
		}
	}

	p.enter(prod, StateDenoise)
	denoised, res, err := p.denoise(noisy)
	if err != nil {
		return nil, err
	}
	if denoised != nil {
		p.enter(prod, StateDenoiseSnapshot)
		prod.Denoised = denoised
		prod.Denoising = res
		p.logf("  %s", denoised)
		if p.cfg.Output.SaveIntermediaryResults {
			p.saveIntermediary("05_denoised", denoised)
			if res != nil && len(res.RatioHistory) > 0 {
				p.saveHistory("fdr_residual_ratio.png", "entropy residual ratio", "std ratio", ratioSeries(res.RatioHistory))
			}
		}
	}

	p.enter(prod, StateDone)
	return prod, nil
}

// mapShear runs the FirstPass mapping on a shear map: optional zero padding,
// Kaiser–Squires inversion and optional inpainting. The returned map keeps
// the padding.
func (p *Pipeline) mapShear(shear *grid.Map) (*grid.Map, *inpaint.Result, error) {
	work := shear
	if p.cfg.Processing.AddBorders {
		work = shear.AddBorders()
	}

	kappa, err := spectral.ToConvergence(work)
	if err != nil {
		return nil, nil, stageError(StageSpectral, err)
	}
	if p.inpainter == nil {
		return kappa, nil, nil
	}

	res, err := p.inpainter.Run(work, kappa, inpaint.MaskFromShear(work))
	if err != nil {
		if errors.Is(err, wavelet.ErrInvalidScales) {
			return nil, nil, stageError(StageWavelet, err)
		}
		return nil, nil, stageError(StageInpaint, err)
	}
	return res.Convergence, res, nil
}

// crop undoes the padding added by mapShear
func (p *Pipeline) crop(kappa *grid.Map) (*grid.Map, error) {
	if !p.cfg.Processing.AddBorders {
		return kappa.Copy(), nil
	}
	out, err := kappa.RemoveBorders()
	if err != nil {
		return nil, stageError(StageSpectral, err)
	}
	return out, nil
}

// correctShear divides the observed shear by 1-κ wherever the smoothed
// convergence is significant against the B-mode spread. Unobserved pixels
// stay zero. It returns the corrected map and the number of corrected pixels.
func (p *Pipeline) correctShear(observed, kappa *grid.Map) (*grid.Map, int, error) {
	if err := grid.CheckSameSize(observed, kappa); err != nil {
		return nil, 0, stageError(StageSpectral, err)
	}
	smoothed, err := spectral.SmoothMap(kappa, p.cfg.Processing.ReducedShearSmoothing)
	if err != nil {
		return nil, 0, stageError(StageSpectral, err)
	}
	limit := p.cfg.Processing.ReducedShearSigma * smoothed.B().Std()

	out := observed.Copy()
	mask := inpaint.MaskFromShear(observed).Values()
	ke := smoothed.E().Values()
	g1, g2 := out.E().Values(), out.B().Values()
	n := 0
	for i, k := range ke {
		if mask[i] == 0 || k <= limit {
			continue
		}
		d := 1 - k
		if d < minDenominator {
			d = minDenominator
		}
		g1[i] /= d
		g2[i] /= d
		n++
	}
	return out, n, nil
}

// denoise applies the configured method. It returns a nil map for MethodNone.
func (p *Pipeline) denoise(noisy *grid.Map) (*grid.Map, *fdr.Result, error) {
	switch p.cfg.Denoising.Method {
	case config.MethodGaussian:
		out, err := smoothGaussian(noisy, p.cfg.Denoising.GaussianSigma)
		if err != nil {
			return nil, nil, stageError(StageSpectral, err)
		}
		return out, nil, nil

	case config.MethodFDR:
		d := p.denoiser
		if p.cfg.Denoising.SigmaFromBMode {
			params := d.Params()
			params.Sigma = noisy.B().Std()
			var err error
			if d, err = fdr.NewDenoiser(params); err != nil {
				return nil, nil, stageError(StageFDR, err)
			}
		}
		res, err := d.Denoise(noisy.E())
		if err != nil {
			if errors.Is(err, wavelet.ErrInvalidScales) {
				return nil, nil, stageError(StageWavelet, err)
			}
			return nil, nil, stageError(StageFDR, err)
		}
		out := noisy.CopyMeta(grid.Convergence)
		if err := out.SetPlane(grid.RoleE, res.Image); err != nil {
			return nil, nil, stageError(StageFDR, err)
		}
		if err := out.Weight().CopyFrom(noisy.Weight()); err != nil {
			return nil, nil, stageError(StageFDR, err)
		}
		return out, res, nil
	}
	return nil, nil, nil
}

// smoothGaussian convolves both modes and zeroes the B-mode
func smoothGaussian(m *grid.Map, sigma float64) (*grid.Map, error) {
	out, err := spectral.SmoothMap(m, sigma)
	if err != nil {
		return nil, err
	}
	out.B().Fill(0)
	return out, nil
}

func ratioSeries(history [][]float64) []visualization.Series {
	var series []visualization.Series
	for _, ratios := range history {
		for s, r := range ratios {
			if s >= len(series) {
				series = append(series, visualization.Series{Name: fmt.Sprintf("scale %d", s)})
			}
			series[s].Values = append(series[s].Values, r)
		}
	}
	return series
}
