package pipeline

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"massmap/pkg/config"
	"massmap/pkg/grid"
	"massmap/pkg/spectral"
)

func TestMain(m *testing.M) {
	SetLogger(nil)
	os.Exit(m.Run())
}

// haloShear returns the shear of a circular Gaussian convergence bump of
// amplitude amp and width s pixels centred on (cx, cy), with unit weights
func haloShear(t *testing.T, n int, amp, s float64, cx, cy int) *grid.Map {
	t.Helper()
	kappa, err := grid.NewMap(n, n, grid.Convergence)
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			kappa.Set(x, y, grid.RoleE, amp*math.Exp(-(dx*dx+dy*dy)/(2*s*s)))
		}
	}
	kappa.Weight().Fill(1)
	kappa.Meta = grid.Metadata{PixelSize: 1.0 / 60, RAMin: 10, RAMax: 10.5, DecMin: -1, DecMax: -0.5, NGal: n * n}

	shear, err := spectral.ToShear(kappa)
	if err != nil {
		t.Fatalf("ToShear failed: %v", err)
	}
	return shear
}

// testConfig returns a quiet configuration writing into a temporary directory
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Output.Verbose = false
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config) *Pipeline {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Denoising.Method = "median"

	_, err := New(cfg)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageConfig {
		t.Fatalf("Expected a config StageError, got %v", err)
	}
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig in chain, got %v", err)
	}

	if _, err := New(nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil config, got %v", err)
	}

	cfg = testConfig(t)
	cfg.Processing.ReducedShear = true
	cfg.Processing.MaxReducedPasses = 7
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for 7 reduced passes, got %v", err)
	}
}

func TestProcessRejectsBadInput(t *testing.T) {
	p := newPipeline(t, testConfig(t))

	_, err := p.Process(nil)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSpectral {
		t.Errorf("Expected spectral StageError for nil map, got %v", err)
	}

	kappa, _ := grid.NewMap(8, 8, grid.Convergence)
	_, err = p.Process(kappa)
	if !errors.Is(err, ErrNotShear) {
		t.Errorf("Expected ErrNotShear, got %v", err)
	}
	if !errors.As(err, &se) || se.Stage != StageIO {
		t.Errorf("Expected io StageError, got %v", err)
	}
}

// TestProcessStates checks the state sequence for each combination of
// reduced-shear correction and denoising method
func TestProcessStates(t *testing.T) {
	tests := []struct {
		name         string
		reduced      bool
		method       string
		wantStates   []State
		wantPasses   int
		wantDenoised bool
	}{
		{
			name:   "gaussian without correction",
			method: config.MethodGaussian,
			wantStates: []State{StateInit, StateFirstPass, StateBorderCrop, StateNoiseSnapshot,
				StateDenoise, StateDenoiseSnapshot, StateDone},
			wantDenoised: true,
		},
		{
			name:    "reduced shear without denoising",
			reduced: true,
			method:  config.MethodNone,
			wantStates: []State{StateInit, StateFirstPass, StateReducedShearPass, StateReducedShearPass,
				StateReducedShearPass, StateBorderCrop, StateNoiseSnapshot, StateDenoise, StateDone},
			wantPasses: 3,
		},
	}

	shear := haloShear(t, 16, 0.2, 2, 8, 8)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Processing.AddBorders = true
			cfg.Processing.ReducedShear = tc.reduced
			cfg.Denoising.Method = tc.method

			prod, err := newPipeline(t, cfg).Process(shear)
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if diff := cmp.Diff(tc.wantStates, prod.States); diff != "" {
				t.Errorf("State sequence mismatch (-want +got):\n%s", diff)
			}
			if prod.ReducedPasses != tc.wantPasses {
				t.Errorf("Expected %d reduced-shear passes, got %d", tc.wantPasses, prod.ReducedPasses)
			}
			if (prod.Denoised != nil) != tc.wantDenoised {
				t.Errorf("Expected denoised product %v, got %v", tc.wantDenoised, prod.Denoised != nil)
			}
			if prod.Noisy.Width() != 16 || prod.Noisy.Height() != 16 {
				t.Errorf("Expected borders removed, got %dx%d", prod.Noisy.Width(), prod.Noisy.Height())
			}
			if prod.Noisy.Meta != shear.Meta {
				t.Errorf("Expected metadata %+v, got %+v", shear.Meta, prod.Noisy.Meta)
			}
			if !tc.reduced && prod.Corrected != shear {
				t.Error("Expected the observed shear to be used unchanged")
			}
		})
	}
}

// TestGaussianDenoiseZeroesBMode verifies the gaussian method output
func TestGaussianDenoiseZeroesBMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Denoising.GaussianSigma = 1.5
	shear := haloShear(t, 16, 0.2, 2, 8, 8)
	shear = addShear(shear, NoiseRealization(shear, 0.02, 5, 0))

	prod, err := newPipeline(t, cfg).Process(shear)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	for i, v := range prod.Denoised.B().Values() {
		if v != 0 {
			t.Fatalf("Expected zero B-mode, pixel %d is %g", i, v)
		}
	}
	if prod.Denoised.E().Std() >= prod.Noisy.E().Std() {
		t.Errorf("Expected smoothing to reduce spread: %g >= %g", prod.Denoised.E().Std(), prod.Noisy.E().Std())
	}
}

func addShear(a, b *grid.Map) *grid.Map {
	out := a.Copy()
	_ = out.E().Add(b.E())
	_ = out.B().Add(b.B())
	return out
}

// TestCorrectShear checks the reduced-shear division and its guard
func TestCorrectShear(t *testing.T) {
	cfg := testConfig(t)
	cfg.Processing.ReducedShearSmoothing = 0
	p := newPipeline(t, cfg)

	observed, _ := grid.NewMap(8, 8, grid.Shear)
	observed.E().Fill(0.1)
	observed.B().Fill(-0.05)
	observed.Set(0, 0, grid.RoleE, 0)
	observed.Set(0, 0, grid.RoleB, 0)

	kappa, _ := grid.NewMap(8, 8, grid.Convergence)
	kappa.Set(2, 2, grid.RoleE, 0.5)
	kappa.Set(5, 5, grid.RoleE, 0.95)
	kappa.Set(0, 0, grid.RoleE, 0.5)
	kappa.Set(6, 1, grid.RoleE, -0.3)

	corrected, n, err := p.correctShear(observed, kappa)
	if err != nil {
		t.Fatalf("correctShear failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 corrected pixels, got %d", n)
	}

	tests := []struct {
		x, y   int
		g1, g2 float64
	}{
		{2, 2, 0.2, -0.1},
		{5, 5, 1.0, -0.5}, // 1-κ clamped to 0.1
		{6, 1, 0.1, -0.05},
		{0, 0, 0, 0},
		{3, 3, 0.1, -0.05},
	}
	for _, tc := range tests {
		g1, g2 := corrected.At(tc.x, tc.y, grid.RoleE), corrected.At(tc.x, tc.y, grid.RoleB)
		if math.Abs(g1-tc.g1) > 1e-12 || math.Abs(g2-tc.g2) > 1e-12 {
			t.Errorf("Pixel (%d,%d): expected (%g, %g), got (%g, %g)", tc.x, tc.y, tc.g1, tc.g2, g1, g2)
		}
	}
	if observed.At(2, 2, grid.RoleE) != 0.1 {
		t.Error("correctShear modified its input")
	}

	small, _ := grid.NewMap(4, 4, grid.Convergence)
	if _, _, err := p.correctShear(observed, small); !errors.Is(err, grid.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

// TestProcessFDR runs the wavelet denoiser on a noisy halo
func TestProcessFDR(t *testing.T) {
	cfg := testConfig(t)
	cfg.Denoising.Method = config.MethodFDR
	cfg.Denoising.NbScales = 4
	cfg.Denoising.Iterations = 2
	cfg.Denoising.Entropy = false
	cfg.Denoising.Positivity = true

	shear := haloShear(t, 32, 0.3, 3, 16, 16)
	shear = addShear(shear, NoiseRealization(shear, 0.01, 11, 0))

	prod, err := newPipeline(t, cfg).Process(shear)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if prod.Denoising == nil {
		t.Fatal("Expected FDR detection state")
	}
	if len(prod.Denoising.NSigma) != 3 {
		t.Errorf("Expected 3 detail thresholds, got %d", len(prod.Denoising.NSigma))
	}
	if prod.Denoising.Sigma <= 0 {
		t.Errorf("Expected a positive noise level, got %g", prod.Denoising.Sigma)
	}
	if prod.Denoised.E().Min() < 0 {
		t.Errorf("Expected positivity, got minimum %g", prod.Denoised.E().Min())
	}

	peaks := FindPeaks(prod.Denoised.E(), 0)
	if len(peaks) == 0 {
		t.Fatal("Expected at least one peak in the denoised map")
	}
	if abs(peaks[0].X-16) > 2 || abs(peaks[0].Y-16) > 2 {
		t.Errorf("Expected the highest peak near (16,16), got (%d,%d)", peaks[0].X, peaks[0].Y)
	}
}

// TestFDRNoiseLevel checks which plane sets the detection noise level
func TestFDRNoiseLevel(t *testing.T) {
	shear := haloShear(t, 32, 0.3, 3, 16, 16)
	shear = addShear(shear, NoiseRealization(shear, 0.01, 11, 0))

	tests := []struct {
		name      string
		fromBMode bool
		want      func(noisy *grid.Map) float64
	}{
		{"E plane", false, func(m *grid.Map) float64 { return m.E().Std() }},
		{"B-mode", true, func(m *grid.Map) float64 { return m.B().Std() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Denoising.Method = config.MethodFDR
			cfg.Denoising.NbScales = 4
			cfg.Denoising.Iterations = 1
			cfg.Denoising.Entropy = false
			cfg.Denoising.SigmaFromBMode = tt.fromBMode

			prod, err := newPipeline(t, cfg).Process(shear)
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if got, want := prod.Denoising.Sigma, tt.want(prod.Noisy); math.Abs(got-want) > 1e-12*math.Max(1, want) {
				t.Errorf("Expected sigma %g, got %g", want, got)
			}
		})
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// TestHaloDetection maps a noise-free halo and measures its significance
// against Monte-Carlo shape noise
func TestHaloDetection(t *testing.T) {
	cfg := testConfig(t)
	cfg.Denoising.GaussianSigma = 1
	cfg.Noise.Realizations = 20
	cfg.Noise.ShapeNoise = 0.01
	cfg.Noise.Seed = 3

	p := newPipeline(t, cfg).Named("halo")
	prod, err := p.Process(haloShear(t, 32, 0.3, 3, 16, 16))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	peaks := FindPeaks(prod.Noisy.E(), 0)
	if len(peaks) == 0 {
		t.Fatal("Expected a convergence peak")
	}
	peak := peaks[0]
	if abs(peak.X-16) > 1 || abs(peak.Y-16) > 1 {
		t.Errorf("Expected the peak within 1 pixel of (16,16), got (%d,%d)", peak.X, peak.Y)
	}

	if err := p.RunMonteCarlo(t.Context(), prod); err != nil {
		t.Fatalf("RunMonteCarlo failed: %v", err)
	}
	if prod.SNR == nil || prod.Noise == nil {
		t.Fatal("Expected SNR and noise maps")
	}
	if snr := prod.SNR.At(peak.X, peak.Y, grid.RoleE); snr <= 3 {
		t.Errorf("Expected SNR above 3 at the halo, got %.2f", snr)
	}
	if prod.Noise.E().Min() <= 0 {
		t.Errorf("Expected a positive noise level everywhere, got minimum %g", prod.Noise.E().Min())
	}
}

// TestRunMonteCarloIsReproducible verifies that the seed fixes the noise map
func TestRunMonteCarloIsReproducible(t *testing.T) {
	cfg := testConfig(t)
	cfg.Denoising.Method = config.MethodNone
	cfg.Noise.Realizations = 4
	cfg.Noise.ShapeNoise = 0
	p := newPipeline(t, cfg)
	shear := haloShear(t, 16, 0.2, 2, 8, 8)

	run := func() *grid.Map {
		prod, err := p.Process(shear)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if err := p.RunMonteCarlo(t.Context(), prod); err != nil {
			t.Fatalf("RunMonteCarlo failed: %v", err)
		}
		return prod.Noise
	}
	a, b := run(), run()
	for i, v := range a.E().Values() {
		if math.Abs(v-b.E().Values()[i]) > 1e-12 {
			t.Fatalf("Noise maps differ at pixel %d: %g vs %g", i, v, b.E().Values()[i])
		}
	}
}

func TestRunMonteCarloWithoutRealizations(t *testing.T) {
	p := newPipeline(t, testConfig(t))
	prod, err := p.Process(haloShear(t, 16, 0.2, 2, 8, 8))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := p.RunMonteCarlo(t.Context(), prod); err != nil {
		t.Fatalf("RunMonteCarlo failed: %v", err)
	}
	if prod.SNR != nil {
		t.Error("Expected no SNR map without realizations")
	}
}

// TestStepLogging verifies the numbered progress lines
func TestStepLogging(t *testing.T) {
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer SetLogger(nil)

	cfg := testConfig(t)
	cfg.Output.Verbose = true
	if _, err := newPipeline(t, cfg).Process(haloShear(t, 16, 0.2, 2, 8, 8)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var steps []string
	for _, l := range lines {
		if strings.HasPrefix(l, "Step ") {
			steps = append(steps, l)
		}
	}
	if len(steps) != 7 {
		t.Fatalf("Expected 7 step lines, got %d: %q", len(steps), steps)
	}
	if steps[0] != "Step 1: Checking input shear map..." {
		t.Errorf("Unexpected first step %q", steps[0])
	}
}

func TestWorkersPerPipeline(t *testing.T) {
	one := testConfig(t)
	one.Processing.NumCores = 1
	three := testConfig(t)
	three.Processing.NumCores = 3

	p1 := newPipeline(t, one)
	p3 := newPipeline(t, three)
	if p1.workers != 1 || p3.workers != 3 {
		t.Errorf("Expected worker bounds 1 and 3, got %d and %d", p1.workers, p3.workers)
	}
	if grid.Workers() != 3 {
		t.Errorf("Expected the last pipeline to set the row bound, got %d", grid.Workers())
	}

	auto := testConfig(t)
	auto.Processing.NumCores = 0
	if p := newPipeline(t, auto); p.workers < 1 {
		t.Errorf("Expected a positive default worker bound, got %d", p.workers)
	}
}
