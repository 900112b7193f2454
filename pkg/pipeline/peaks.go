package pipeline

import (
	"sort"

	"massmap/internal/models"
	"massmap/pkg/grid"
)

// FindPeaks returns the pixels of g that are strictly higher than every
// in-bounds neighbour of the 8-neighbourhood and higher than threshold,
// sorted from the highest down
func FindPeaks(g *grid.PixelGrid, threshold float64) []models.Peak {
	w, h := g.Width(), g.Height()
	vals := g.Values()
	var peaks []models.Peak

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := vals[y*w+x]
			if v <= threshold || !isLocalMax(vals, w, h, x, y) {
				continue
			}
			peaks = append(peaks, models.Peak{X: x, Y: y, Value: v, Quadrant: quadrantOf(x, y, w, h)})
		}
	}

	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].Value > peaks[j].Value
	})
	return peaks
}

func isLocalMax(vals []float64, w, h, x, y int) bool {
	v := vals[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			if vals[ny*w+nx] >= v {
				return false
			}
		}
	}
	return true
}

// quadrantOf places (x, y) in a quarter of the map; y grows northward
func quadrantOf(x, y, w, h int) models.Quadrant {
	right := x >= w/2
	top := y >= h/2
	switch {
	case top && !right:
		return models.TopLeft
	case top && right:
		return models.TopRight
	case !right:
		return models.BottomLeft
	default:
		return models.BottomRight
	}
}
