package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"massmap/pkg/catalog"
	"massmap/pkg/config"
	"massmap/pkg/grid"
	"massmap/pkg/mapio"
	"massmap/pkg/pipeline"
)

// maxListedPeaks bounds the peaks printed per patch
const maxListedPeaks = 5

// input is one shear map to process and its product label
type input struct {
	name  string
	shear *grid.Map
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "massmap.yaml", "Configuration file (YAML, or JSON5 for .json/.json5)")
	inputPath := flag.String("input", "", "Shear map (.fits, .fits.zst) or galaxy catalog (.csv)")
	outputDir := flag.String("output", "", "Output directory (overrides output.directory)")
	numCores := flag.Int("cores", -1, "Number of CPU cores to use (overrides processing.numCores)")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save intermediary results during processing")
	peakThreshold := flag.Float64("peak-threshold", 3, "Minimum SNR (or convergence without SNR) of listed peaks")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("%v", &pipeline.StageError{Stage: pipeline.StageConfig, Err: err})
	}
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}
	if *numCores >= 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}

	fmt.Println("================================")
	fmt.Println("WEAK-LENSING MASS MAPPING")
	fmt.Println("================================")

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Mass mapping failed: %v", err)
	}

	inputs, err := loadInputs(*inputPath, cfg)
	if err != nil {
		log.Fatalf("Mass mapping failed: %v", &pipeline.StageError{Stage: pipeline.StageIO, Err: err})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	manifest := pipeline.NewManifest()
	startTime := time.Now()
	for _, in := range inputs {
		fmt.Printf("\nProcessing %s...\n", in.name)
		if err := run(ctx, p.Named(in.name), in.shear, manifest, *peakThreshold); err != nil {
			log.Fatalf("Mass mapping of %s failed: %v", in.name, err)
		}
	}

	manifestPath := filepath.Join(cfg.Output.Directory, "manifest.json")
	if err := manifest.Write(manifestPath); err != nil {
		log.Fatalf("Mass mapping failed: %v", &pipeline.StageError{Stage: pipeline.StageIO, Err: err})
	}

	fmt.Printf("\nMass mapping completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Products listed in: %s\n", manifestPath)
	for _, kind := range manifest.Kinds() {
		fmt.Printf("  %s: %d files\n", kind, len(manifest.Files[kind]))
	}
	fmt.Printf("Run id: %s\n", manifest.RunID)
	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", filepath.Join(cfg.Output.Directory, "intermediary"))
	}
}

// run processes one shear map and writes its products
func run(ctx context.Context, p *pipeline.Pipeline, shear *grid.Map, manifest *pipeline.Manifest, threshold float64) error {
	prod, err := p.Process(shear)
	if err != nil {
		return err
	}
	if err := p.RunMonteCarlo(ctx, prod); err != nil {
		return err
	}
	if err := p.WriteProducts(prod, manifest); err != nil {
		return err
	}

	peakMap, label := prod.Noisy, "kappa"
	switch {
	case prod.SNR != nil:
		peakMap, label = prod.SNR, "SNR"
	case prod.Denoised != nil:
		peakMap = prod.Denoised
	}
	peaks := pipeline.FindPeaks(peakMap.E(), threshold)
	manifest.AddPeaks(p.Name(), peaks)

	fmt.Printf("Found %d peaks with %s above %.2f\n", len(peaks), label, threshold)
	for i, pk := range peaks {
		if i == maxListedPeaks {
			fmt.Printf("  ... %d more\n", len(peaks)-maxListedPeaks)
			break
		}
		fmt.Printf("  (%d, %d) %s=%.3f %s\n", pk.X, pk.Y, label, pk.Value, pk.Quadrant)
	}

	listed := peaks[:min(len(peaks), maxListedPeaks)]
	cutouts, err := p.SaveCutouts(peakMap, listed)
	if err != nil {
		return err
	}
	if len(cutouts) > 0 {
		fmt.Printf("Saved %d peak cutouts to %s\n", len(cutouts), filepath.Dir(cutouts[0]))
	}
	return nil
}

// loadInputs reads a shear map, or bins a catalog into one map per
// configured patch
func loadInputs(path string, cfg *config.Config) ([]input, error) {
	base := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		shear, err := mapio.ReadMap(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(base, mapio.CompressedExt)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		return []input{{name: name, shear: shear}}, nil
	}

	if len(cfg.Field.Patches) == 0 {
		return nil, fmt.Errorf("catalog input needs at least one entry in field.patches")
	}
	galaxies, err := catalog.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Loaded %d galaxies from %s\n", len(galaxies), base)

	inputs := make([]input, 0, len(cfg.Field.Patches))
	for i, patch := range cfg.Field.Patches {
		shear, err := catalog.BuildShearMap(galaxies, patch)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		name := patch.Name
		if name == "" {
			name = fmt.Sprintf("patch%02d", i)
		}
		fmt.Printf("Patch %s: %d galaxies on %dx%d pixels\n", name, shear.Meta.NGal, shear.Width(), shear.Height())
		inputs = append(inputs, input{name: name, shear: shear})
	}
	return inputs, nil
}
