// Package config provides configuration loading and management for massmap.
// It handles loading configuration from YAML or JSON5 files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	json "github.com/KevinWang15/go-json5"
	"gopkg.in/yaml.v3"

	"massmap/internal/models"
)

// ErrInvalidConfig is returned by Validate and LoadConfig for out-of-range settings.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Denoising methods
const (
	MethodNone     = "none"
	MethodGaussian = "gaussian"
	MethodFDR      = "fdr"
)

// MaxReducedPasses bounds processing.maxReducedPasses
const MaxReducedPasses = 3

// Config represents the application configuration loaded from YAML or JSON5
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" json:"numCores"`

		// AddBorders zero-pads the shear map to twice its size before mapping
		AddBorders bool `yaml:"addBorders" json:"addBorders"`

		// ReducedShear enables the reduced-shear correction passes
		ReducedShear bool `yaml:"reducedShear" json:"reducedShear"`

		// ReducedShearSigma is the B-mode sigma multiple above which a smoothed
		// convergence pixel is corrected
		ReducedShearSigma float64 `yaml:"reducedShearSigma" json:"reducedShearSigma"`

		// ReducedShearSmoothing is the Gaussian width in pixels applied to κE
		// before the correction
		ReducedShearSmoothing float64 `yaml:"reducedShearSmoothing" json:"reducedShearSmoothing"`

		// MaxReducedPasses is the fixed number of correction passes
		MaxReducedPasses int `yaml:"maxReducedPasses" json:"maxReducedPasses"`
	} `yaml:"processing" json:"processing"`

	// Inpainting parameters
	Inpainting struct {
		// Iterations of the DCT inpainting loop; 0 disables inpainting
		Iterations int `yaml:"iterations" json:"iterations"`

		// LambdaMin and LambdaMax bound the DCT threshold schedule;
		// LambdaMax <= 0 is derived from the data
		LambdaMin float64 `yaml:"lambdaMin" json:"lambdaMin"`
		LambdaMax float64 `yaml:"lambdaMax" json:"lambdaMax"`

		// BlockSize selects a block DCT; 0 is global
		BlockSize int `yaml:"blockSize" json:"blockSize"`

		// EqualVariance rescales wavelet coefficients inside the gaps
		EqualVariance bool `yaml:"equalVariance" json:"equalVariance"`

		// ForceBModeZero zeroes the B-mode inside the gaps
		ForceBModeZero bool `yaml:"forceBModeZero" json:"forceBModeZero"`

		// Scales is the wavelet scale count of the variance correction
		Scales int `yaml:"scales" json:"scales"`
	} `yaml:"inpainting" json:"inpainting"`

	// Denoising parameters
	Denoising struct {
		// Method is one of none, gaussian or fdr
		Method string `yaml:"method" json:"method"`

		// GaussianSigma is the smoothing width in pixels for the gaussian method
		GaussianSigma float64 `yaml:"gaussianSigma" json:"gaussianSigma"`

		// NbScales is the number of wavelet planes for the fdr method
		NbScales int `yaml:"nbScales" json:"nbScales"`

		// FDR is the false discovery rate
		FDR float64 `yaml:"fdr" json:"fdr"`

		// FirstScale is the 1-based index of the finest scale kept
		FirstScale int `yaml:"firstScale" json:"firstScale"`

		// Iterations of residual correction
		Iterations int `yaml:"iterations" json:"iterations"`

		Positivity     bool `yaml:"positivity" json:"positivity"`
		KillLastScale  bool `yaml:"killLastScale" json:"killLastScale"`
		RemoveIsolated bool `yaml:"removeIsolated" json:"removeIsolated"`

		// Entropy enables the multiscale entropy filter
		Entropy bool `yaml:"entropy" json:"entropy"`

		// SigmaFromBMode takes the FDR noise level from the B-mode spread
		// instead of the E-mode plane being denoised
		SigmaFromBMode bool `yaml:"sigmaFromBMode" json:"sigmaFromBMode"`
	} `yaml:"denoising" json:"denoising"`

	// Noise parameters
	Noise struct {
		// Realizations is the number of Monte-Carlo noise maps; 0 skips the SNR map
		Realizations int `yaml:"realizations" json:"realizations"`

		// ShapeNoise is the per-component ellipticity dispersion. 0 draws noise
		// by randomly rotating the observed shear instead
		ShapeNoise float64 `yaml:"shapeNoise" json:"shapeNoise"`

		// Seed makes the realizations reproducible
		Seed uint64 `yaml:"seed" json:"seed"`
	} `yaml:"noise" json:"noise"`

	// Field geometry
	Field struct {
		Patches []models.PatchGeometry `yaml:"patches" json:"patches"`
	} `yaml:"field" json:"field"`

	// Output parameters
	Output struct {
		// Directory receives all products
		Directory string `yaml:"directory" json:"directory"`

		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults" json:"saveIntermediaryResults"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" json:"verbose"`

		// Compress writes products as zstd streams
		Compress bool `yaml:"compress" json:"compress"`

		// Rebin block-averages written products by 2^Rebin
		Rebin int `yaml:"rebin" json:"rebin"`

		// CutoutSize is the side in pixels of the grayscale cutout saved
		// around each listed peak; 0 disables cutouts
		CutoutSize int `yaml:"cutoutSize" json:"cutoutSize"`
	} `yaml:"output" json:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.AddBorders = false
	cfg.Processing.ReducedShear = false
	cfg.Processing.ReducedShearSigma = 3
	cfg.Processing.ReducedShearSmoothing = 2
	cfg.Processing.MaxReducedPasses = MaxReducedPasses

	// Set default inpainting parameters
	cfg.Inpainting.Iterations = 0
	cfg.Inpainting.LambdaMin = 0
	cfg.Inpainting.LambdaMax = 0
	cfg.Inpainting.BlockSize = 0
	cfg.Inpainting.Scales = 4

	// Set default denoising parameters
	cfg.Denoising.Method = MethodGaussian
	cfg.Denoising.GaussianSigma = 2
	cfg.Denoising.NbScales = 5
	cfg.Denoising.FDR = 0.05
	cfg.Denoising.FirstScale = 1
	cfg.Denoising.Iterations = 10
	cfg.Denoising.RemoveIsolated = true
	cfg.Denoising.Entropy = true

	// Set default noise parameters
	cfg.Noise.Realizations = 0
	cfg.Noise.ShapeNoise = 0.3
	cfg.Noise.Seed = 1

	// Set default output parameters
	cfg.Output.Directory = "output"
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true
	cfg.Output.CutoutSize = 16

	return cfg
}

// isJSON reports whether the path should be parsed as JSON5
func isJSON(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".json5"
}

// LoadConfig loads configuration from a YAML file, or a JSON5 file for
// .json/.json5 paths. If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isJSON(configPath) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Processing.NumCores >= 0, "processing.numCores must be >= 0, got %d", c.Processing.NumCores)
	check(c.Processing.MaxReducedPasses >= 0 && c.Processing.MaxReducedPasses <= MaxReducedPasses,
		"processing.maxReducedPasses must be in [0, %d], got %d", MaxReducedPasses, c.Processing.MaxReducedPasses)
	check(c.Processing.ReducedShearSigma >= 0, "processing.reducedShearSigma must be >= 0, got %g", c.Processing.ReducedShearSigma)

	check(c.Inpainting.Iterations >= 0, "inpainting.iterations must be >= 0, got %d", c.Inpainting.Iterations)
	check(c.Inpainting.LambdaMin >= 0, "inpainting.lambdaMin must be >= 0, got %g", c.Inpainting.LambdaMin)
	check(c.Inpainting.LambdaMax <= 0 || c.Inpainting.LambdaMax >= c.Inpainting.LambdaMin,
		"inpainting.lambdaMax %g below lambdaMin %g", c.Inpainting.LambdaMax, c.Inpainting.LambdaMin)
	check(c.Inpainting.BlockSize >= 0, "inpainting.blockSize must be >= 0, got %d", c.Inpainting.BlockSize)

	switch c.Denoising.Method {
	case MethodNone:
	case MethodGaussian:
		check(c.Denoising.GaussianSigma > 0, "denoising.gaussianSigma must be > 0, got %g", c.Denoising.GaussianSigma)
	case MethodFDR:
		check(c.Denoising.NbScales >= 2, "denoising.nbScales must be >= 2, got %d", c.Denoising.NbScales)
		check(c.Denoising.FDR > 0 && c.Denoising.FDR < 1, "denoising.fdr must be in (0, 1), got %g", c.Denoising.FDR)
		check(c.Denoising.FirstScale >= 1 && c.Denoising.FirstScale < c.Denoising.NbScales,
			"denoising.firstScale must be in [1, %d), got %d", c.Denoising.NbScales, c.Denoising.FirstScale)
		check(c.Denoising.Iterations >= 0, "denoising.iterations must be >= 0, got %d", c.Denoising.Iterations)
	default:
		check(false, "denoising.method %q is not one of none, gaussian, fdr", c.Denoising.Method)
	}

	check(c.Noise.Realizations >= 0, "noise.realizations must be >= 0, got %d", c.Noise.Realizations)
	check(c.Noise.ShapeNoise >= 0, "noise.shapeNoise must be >= 0, got %g", c.Noise.ShapeNoise)

	for i, p := range c.Field.Patches {
		check(p.NPix > 0 && p.NPix%2 == 0, "field.patches[%d].npix must be positive and even, got %d", i, p.NPix)
		check(p.PixelSize > 0, "field.patches[%d].pixelSize must be > 0, got %g", i, p.PixelSize)
		check(p.ZMax <= 0 || p.ZMax >= p.ZMin, "field.patches[%d] redshift window [%g, %g] is empty", i, p.ZMin, p.ZMax)
	}

	check(c.Output.Rebin >= 0, "output.rebin must be >= 0, got %d", c.Output.Rebin)
	check(c.Output.CutoutSize >= 0, "output.cutoutSize must be >= 0, got %d", c.Output.CutoutSize)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
