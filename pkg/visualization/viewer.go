package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"massmap/pkg/grid"
)

// heatColors is the number of palette entries of heat maps
const heatColors = 64

// Viewer renders the planes of a shear or convergence map
type Viewer struct {
	// m is the map being displayed
	m *grid.Map

	// pixelSize is the pixel side in arcminutes used for axis labels; 0 uses pixels
	pixelSize float64
}

// NewViewer creates a viewer for m. Axes are labelled in arcminutes when the
// map carries a pixel size
func NewViewer(m *grid.Map) *Viewer {
	return &Viewer{m: m, pixelSize: m.Meta.PixelSize * 60}
}

// planeGrid adapts a PixelGrid to plotter.GridXYZ
type planeGrid struct {
	g     *grid.PixelGrid
	scale float64
}

func (p planeGrid) Dims() (c, r int)   { return p.g.Width(), p.g.Height() }
func (p planeGrid) Z(c, r int) float64 { return p.g.At(c, r) }
func (p planeGrid) X(c int) float64    { return float64(c) * p.scale }
func (p planeGrid) Y(r int) float64    { return float64(r) * p.scale }

// PlaneImage converts one plane to an 8-bit grayscale image, mapping the
// plane minimum to black and its maximum to white
func (v *Viewer) PlaneImage(role grid.Role) (image.Image, error) {
	if role < grid.RoleE || role > grid.RoleWeight {
		return nil, fmt.Errorf("invalid plane: %s", role)
	}
	return GrayImage(v.m.Plane(role)), nil
}

// GrayImage stretches g between its minimum (black) and maximum (white)
func GrayImage(g *grid.PixelGrid) *image.Gray {
	lo, hi := g.Min(), g.Max()
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	w, h := g.Width(), g.Height()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			value := uint8(math.Max(0, math.Min(255, (g.At(x, y)-lo)/span*255)))
			// image rows grow downward, sky y grows upward
			img.SetGray(x, h-1-y, color.Gray{Y: value})
		}
	}
	return img
}

// ExtractRegion copies a rectangular region of one plane
func (v *Viewer) ExtractRegion(role grid.Role, startX, startY, sizeX, sizeY int) (*grid.PixelGrid, error) {
	// Validate parameters
	if startX < 0 || startY < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	if startX+sizeX > v.m.Width() || startY+sizeY > v.m.Height() {
		return nil, fmt.Errorf("region extends beyond map boundaries")
	}

	src := v.m.Plane(role)
	region := grid.New(sizeX, sizeY)
	for y := 0; y < sizeY; y++ {
		for x := 0; x < sizeX; x++ {
			region.Set(x, y, src.At(startX+x, startY+y))
		}
	}
	return region, nil
}

// SavePlaneImage saves a plane as a grayscale PNG
func (v *Viewer) SavePlaneImage(role grid.Role, filename string) error {
	img, err := v.PlaneImage(role)
	if err != nil {
		return err
	}
	return savePNG(img, filename)
}

// SaveCutout saves a size×size grayscale cutout of one plane centred on
// (cx, cy). The window is shifted inside the map near its edges and shrunk
// when the map is smaller than size.
func (v *Viewer) SaveCutout(role grid.Role, cx, cy, size int, filename string) error {
	if size <= 0 {
		return fmt.Errorf("cutout size must be positive, got %d", size)
	}
	sizeX, sizeY := min(size, v.m.Width()), min(size, v.m.Height())
	startX := max(0, min(cx-sizeX/2, v.m.Width()-sizeX))
	startY := max(0, min(cy-sizeY/2, v.m.Height()-sizeY))

	region, err := v.ExtractRegion(role, startX, startY, sizeX, sizeY)
	if err != nil {
		return err
	}
	return savePNG(GrayImage(region), filename)
}

func savePNG(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveHeatMap renders a plane as a heat map with axes
func (v *Viewer) SaveHeatMap(role grid.Role, title, filename string) error {
	if role < grid.RoleE || role > grid.RoleWeight {
		return fmt.Errorf("invalid plane: %s", role)
	}

	scale, unit := 1.0, "pixel"
	if v.pixelSize > 0 {
		scale, unit = v.pixelSize, "arcmin"
	}

	hm := plotter.NewHeatMap(planeGrid{g: v.m.Plane(role), scale: scale}, palette.Heat(heatColors, 1))
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = unit
	p.Y.Label.Text = unit
	p.Add(hm)

	if err := p.Save(6*vg.Inch, 6*vg.Inch, filename); err != nil {
		return fmt.Errorf("save heat map: %w", err)
	}
	return nil
}

// SaveMap writes a heat map of the E and B planes into outputDir as
// <prefix>_E.png and <prefix>_B.png
func (v *Viewer) SaveMap(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for _, role := range []grid.Role{grid.RoleE, grid.RoleB} {
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, role))
		title := fmt.Sprintf("%s %s (%s)", prefix, role, v.m.Kind)
		if err := v.SaveHeatMap(role, title, filename); err != nil {
			return err
		}
	}

	return nil
}

// Series is one named line of a history plot
type Series struct {
	Name   string
	Values []float64
}

// SaveHistory plots each series against its iteration index
func SaveHistory(filename, title, yLabel string, series []Series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = yLabel

	for i, s := range series {
		if len(s.Values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Values))
		for j, val := range s.Values {
			pts[j] = plotter.XY{X: float64(j), Y: val}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false

	if err := p.Save(8*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("save history plot: %w", err)
	}
	return nil
}
