package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"massmap/pkg/grid"
)

// rampMap builds a map whose E plane grows with x, B plane with y and
// weight plane is constant
func rampMap(t *testing.T, width, height int) *grid.Map {
	t.Helper()
	m, err := grid.NewMap(width, height, grid.Convergence)
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			m.Set(x, y, grid.RoleE, float64(x))
			m.Set(x, y, grid.RoleB, float64(y))
			m.Set(x, y, grid.RoleWeight, 2)
		}
	}
	m.Meta.PixelSize = 1.0 / 60
	return m
}

// TestNewViewer verifies that the viewer picks up the pixel size in arcminutes
func TestNewViewer(t *testing.T) {
	viewer := NewViewer(rampMap(t, 8, 6))
	if viewer.pixelSize < 0.999 || viewer.pixelSize > 1.001 {
		t.Errorf("Expected pixel size 1 arcmin, got %f", viewer.pixelSize)
	}
}

// TestPlaneImage verifies the grayscale stretch and orientation
func TestPlaneImage(t *testing.T) {
	width, height := 8, 6
	viewer := NewViewer(rampMap(t, width, height))

	img, err := viewer.PlaneImage(grid.RoleE)
	if err != nil {
		t.Fatalf("PlaneImage failed: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		t.Errorf("Expected %dx%d image, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("Expected *image.Gray, got %T", img)
	}
	if gray.GrayAt(0, 0).Y != 0 || gray.GrayAt(width-1, 0).Y != 255 {
		t.Errorf("Expected E ramp from 0 to 255, got %d and %d", gray.GrayAt(0, 0).Y, gray.GrayAt(width-1, 0).Y)
	}

	// B grows with sky y, so the top image row is the brightest
	imgB, _ := viewer.PlaneImage(grid.RoleB)
	grayB := imgB.(*image.Gray)
	if grayB.GrayAt(0, 0).Y != 255 || grayB.GrayAt(0, height-1).Y != 0 {
		t.Errorf("Expected B plane flipped vertically, got %d top and %d bottom",
			grayB.GrayAt(0, 0).Y, grayB.GrayAt(0, height-1).Y)
	}

	// constant planes must not divide by zero
	if _, err := viewer.PlaneImage(grid.RoleWeight); err != nil {
		t.Errorf("Constant plane failed: %v", err)
	}

	if _, err := viewer.PlaneImage(grid.Role(7)); err == nil {
		t.Error("Expected error for an unknown plane")
	}
}

// TestExtractRegion verifies region bounds checks and copied values
func TestExtractRegion(t *testing.T) {
	viewer := NewViewer(rampMap(t, 8, 6))

	region, err := viewer.ExtractRegion(grid.RoleE, 2, 1, 3, 2)
	if err != nil {
		t.Fatalf("ExtractRegion failed: %v", err)
	}
	if region.Width() != 3 || region.Height() != 2 {
		t.Fatalf("Expected 3x2 region, got %dx%d", region.Width(), region.Height())
	}
	if region.At(0, 0) != 2 || region.At(2, 1) != 4 {
		t.Errorf("Unexpected region values %f, %f", region.At(0, 0), region.At(2, 1))
	}

	invalid := []struct {
		name               string
		x, y, sizeX, sizeY int
	}{
		{"negative start", -1, 0, 2, 2},
		{"zero size", 0, 0, 0, 2},
		{"beyond edge", 6, 0, 3, 2},
	}
	for _, tc := range invalid {
		if _, err := viewer.ExtractRegion(grid.RoleE, tc.x, tc.y, tc.sizeX, tc.sizeY); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

// TestSaveOutputs verifies PNG heat maps, grayscale images and history plots are written
func TestSaveOutputs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping plot rendering in short mode")
	}

	dir := t.TempDir()
	viewer := NewViewer(rampMap(t, 16, 16))

	if err := viewer.SaveMap(dir, "05_denoised"); err != nil {
		t.Fatalf("SaveMap failed: %v", err)
	}
	if err := viewer.SavePlaneImage(grid.RoleWeight, filepath.Join(dir, "weight.png")); err != nil {
		t.Fatalf("SavePlaneImage failed: %v", err)
	}
	history := []Series{
		{Name: "scale 0", Values: []float64{1.4, 1.1, 0.98, 1.0}},
		{Name: "scale 1", Values: []float64{0.7, 0.9, 1.02}},
		{Name: "empty"},
	}
	if err := SaveHistory(filepath.Join(dir, "ratios.png"), "residual ratio", "std ratio", history); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	for _, name := range []string{"05_denoised_E.png", "05_denoised_B.png", "weight.png", "ratios.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("Expected %s to be non-empty", name)
		}
	}
}

// TestSaveCutout verifies the cutout window is kept inside the map
func TestSaveCutout(t *testing.T) {
	dir := t.TempDir()
	viewer := NewViewer(rampMap(t, 8, 6))

	tests := []struct {
		name          string
		cx, cy, size  int
		width, height int
	}{
		{"corner", 7, 5, 4, 4, 4},
		{"larger than map", 3, 3, 10, 8, 6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".png")
			if err := viewer.SaveCutout(grid.RoleE, tc.cx, tc.cy, tc.size, path); err != nil {
				t.Fatalf("SaveCutout failed: %v", err)
			}
			f, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			img, err := png.Decode(f)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if b := img.Bounds(); b.Dx() != tc.width || b.Dy() != tc.height {
				t.Errorf("Expected %dx%d cutout, got %dx%d", tc.width, tc.height, b.Dx(), b.Dy())
			}
			gray, ok := img.(*image.Gray)
			if !ok {
				t.Fatalf("Expected *image.Gray, got %T", img)
			}
			if gray.GrayAt(0, 0).Y != 0 || gray.GrayAt(tc.width-1, 0).Y != 255 {
				t.Errorf("Expected the E ramp stretched over the cutout, got %d and %d",
					gray.GrayAt(0, 0).Y, gray.GrayAt(tc.width-1, 0).Y)
			}
		})
	}

	if err := viewer.SaveCutout(grid.RoleE, 1, 1, 0, filepath.Join(dir, "none.png")); err == nil {
		t.Error("Expected an error for an empty cutout")
	}
}
