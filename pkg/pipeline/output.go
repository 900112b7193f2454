package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"massmap/internal/models"
	"massmap/pkg/config"
	"massmap/pkg/grid"
	"massmap/pkg/mapio"
	"massmap/pkg/visualization"
)

// Product kinds listed in the manifest
const (
	KindNoisy    = "noisy"
	KindDenoised = "denoised"
	KindSNR      = "snr"
)

// saveIntermediary renders the E and B planes of m as heat maps. Failures
// are reported as warnings and never stop the pipeline.
func (p *Pipeline) saveIntermediary(stageName string, m *grid.Map) {
	if !p.cfg.Output.SaveIntermediaryResults {
		return
	}
	if err := visualization.NewViewer(m).SaveMap(p.intermediaryDir(), stageName); err != nil {
		Logf("Warning: Failed to save %s: %v", stageName, err)
	}
}

// saveCropped saves a padded convergence map after removing its borders
func (p *Pipeline) saveCropped(stageName string, kappa *grid.Map) {
	if !p.cfg.Output.SaveIntermediaryResults {
		return
	}
	m, err := p.crop(kappa)
	if err != nil {
		Logf("Warning: Failed to save %s: %v", stageName, err)
		return
	}
	p.saveIntermediary(stageName, m)
}

// saveCoverage writes the weight plane of the input as a grayscale image
func (p *Pipeline) saveCoverage(shear *grid.Map) {
	path := filepath.Join(p.intermediaryDir(), "01_shear_weight.png")
	if err := visualization.NewViewer(shear).SavePlaneImage(grid.RoleWeight, path); err != nil {
		Logf("Warning: Failed to save coverage: %v", err)
	}
}

// SaveCutouts writes a grayscale cutout of the E plane of m around each
// peak into <output>/cutouts and returns the written paths. It does nothing
// when output.cutoutSize is 0.
func (p *Pipeline) SaveCutouts(m *grid.Map, peaks []models.Peak) ([]string, error) {
	size := p.cfg.Output.CutoutSize
	if size == 0 || len(peaks) == 0 {
		return nil, nil
	}
	dir := filepath.Join(p.cfg.Output.Directory, "cutouts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, stageError(StageIO, fmt.Errorf("failed to create cutout directory: %w", err))
	}

	viewer := visualization.NewViewer(m)
	paths := make([]string, 0, len(peaks))
	for i, pk := range peaks {
		path := filepath.Join(dir, fmt.Sprintf("%s_peak%02d.png", p.name, i+1))
		if err := viewer.SaveCutout(grid.RoleE, pk.X, pk.Y, size, path); err != nil {
			return paths, stageError(StageIO, fmt.Errorf("failed to save cutout of peak %d: %w", i+1, err))
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (p *Pipeline) saveHistory(filename, title, yLabel string, series []visualization.Series) {
	path := filepath.Join(p.intermediaryDir(), filename)
	if err := visualization.SaveHistory(path, title, yLabel, series); err != nil {
		Logf("Warning: Failed to save %s: %v", filename, err)
	}
}

// ProductParams lists the processing parameters recorded in every product file
func (p *Pipeline) ProductParams() map[string]string {
	c := p.cfg
	params := map[string]string{
		"method":       c.Denoising.Method,
		"addBorders":   strconv.FormatBool(c.Processing.AddBorders),
		"reducedShear": strconv.FormatBool(c.Processing.ReducedShear),
		"inpaintIter":  strconv.Itoa(c.Inpainting.Iterations),
		"realizations": strconv.Itoa(c.Noise.Realizations),
	}
	switch c.Denoising.Method {
	case config.MethodGaussian:
		params["gaussianSigma"] = strconv.FormatFloat(c.Denoising.GaussianSigma, 'g', -1, 64)
	case config.MethodFDR:
		params["nbScales"] = strconv.Itoa(c.Denoising.NbScales)
		params["fdr"] = strconv.FormatFloat(c.Denoising.FDR, 'g', -1, 64)
		params["firstScale"] = strconv.Itoa(c.Denoising.FirstScale)
		params["fdrIter"] = strconv.Itoa(c.Denoising.Iterations)
		params["entropy"] = strconv.FormatBool(c.Denoising.Entropy)
	}
	return params
}

// productPath builds <dir>/<name>_<kind>.fits with the compression suffix
// when enabled
func (p *Pipeline) productPath(kind string) string {
	name := fmt.Sprintf("%s_%s.fits", p.name, kind)
	if p.cfg.Output.Compress {
		name += mapio.CompressedExt
	}
	return filepath.Join(p.cfg.Output.Directory, name)
}

// WriteProducts writes the noisy, denoised and SNR maps of prod to the output
// directory and records the file names in manifest, which may be nil. Maps
// are rebinned first when output.rebin is set and the map is large enough.
func (p *Pipeline) WriteProducts(prod *Products, manifest *Manifest) error {
	if err := os.MkdirAll(p.cfg.Output.Directory, 0755); err != nil {
		return stageError(StageIO, fmt.Errorf("failed to create output directory: %w", err))
	}

	params := p.ProductParams()
	products := []struct {
		kind string
		m    *grid.Map
	}{
		{KindNoisy, prod.Noisy},
		{KindDenoised, prod.Denoised},
		{KindSNR, prod.SNR},
	}
	for _, product := range products {
		if product.m == nil {
			continue
		}
		m := product.m
		if rebin := p.cfg.Output.Rebin; rebin > 0 {
			if binned, ok := m.Rebin(rebin, rebin); ok {
				m = binned
			} else {
				Logf("Warning: %s map %dx%d too small to rebin by 2^%d, writing full resolution",
					product.kind, m.Width(), m.Height(), rebin)
			}
		}

		path := p.productPath(product.kind)
		if err := mapio.WriteMap(m, path, params); err != nil {
			return stageError(StageIO, fmt.Errorf("failed to write %s map: %w", product.kind, err))
		}
		p.logf("  wrote %s", path)
		if manifest != nil {
			manifest.Add(product.kind, filepath.Base(path))
		}
	}
	return nil
}
