// Package catalog reads galaxy shear catalogs and bins them into shear maps
// on a gnomonic (tangent-plane) projection of the sky.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"massmap/internal/models"
	"massmap/pkg/grid"
)

var (
	// ErrBadHeader is returned when required columns are missing.
	ErrBadHeader = errors.New("catalog: invalid header")

	// ErrInvalidPatch is returned for unusable patch geometry.
	ErrInvalidPatch = errors.New("catalog: invalid patch geometry")

	// ErrEmptyPatch is returned when no galaxy falls inside the patch.
	ErrEmptyPatch = errors.New("catalog: no galaxies in patch")
)

const arcminToRad = math.Pi / (180 * 60)

// column aliases accepted in the header, lower case
var columns = map[string][]string{
	"ra":  {"ra", "alpha"},
	"dec": {"dec", "delta"},
	"z":   {"z", "redshift", "z_phot"},
	"e1":  {"e1", "g1", "gamma1"},
	"e2":  {"e2", "g2", "gamma2"},
	"w":   {"w", "weight"},
}

// ReadFile reads a CSV catalog from disk.
func ReadFile(path string) ([]models.Galaxy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a CSV catalog. The header must name ra, dec, e1 and e2; z and
// w are optional (z defaults to 0, w to 1). Lines starting with '#' are
// skipped.
func Read(r io.Reader) ([]models.Galaxy, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty catalog", ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var galaxies []models.Galaxy
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog at line %d: %w", line, err)
		}

		g := models.Galaxy{Weight: 1}
		fields := []struct {
			key string
			dst *float64
		}{
			{"ra", &g.RA}, {"dec", &g.Dec}, {"e1", &g.E1}, {"e2", &g.E2}, {"z", &g.Z}, {"w", &g.Weight},
		}
		for _, f := range fields {
			col, ok := idx[f.key]
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s at line %d: %w", f.key, line, err)
			}
			*f.dst = v
		}
		galaxies = append(galaxies, g)
	}
	return galaxies, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		for key, aliases := range columns {
			for _, a := range aliases {
				if name == a {
					idx[key] = i
				}
			}
		}
	}
	for _, required := range []string{"ra", "dec", "e1", "e2"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q in %v", ErrBadHeader, required, header)
		}
	}
	return idx, nil
}

// Project returns the gnomonic coordinates (xi, eta), in radians, of the
// point (ra, dec) about the tangent point (ra0, dec0), all in degrees. ok is
// false for points 90 degrees or more from the tangent point.
func Project(ra, dec, ra0, dec0 float64) (xi, eta float64, ok bool) {
	a, d := ra*math.Pi/180, dec*math.Pi/180
	a0, d0 := ra0*math.Pi/180, dec0*math.Pi/180

	sinD, cosD := math.Sincos(d)
	sinD0, cosD0 := math.Sincos(d0)
	sinDA, cosDA := math.Sincos(a - a0)

	cosC := sinD0*sinD + cosD0*cosD*cosDA
	if cosC <= 0 {
		return 0, 0, false
	}
	xi = cosD * sinDA / cosC
	eta = (cosD0*sinD - sinD0*cosD*cosDA) / cosC
	return xi, eta, true
}

// BuildShearMap bins galaxies into a patch.NPix² shear map centred on the
// patch. Each pixel holds the weighted mean ellipticity, and the weight
// plane the summed galaxy weight. Galaxies outside the patch or its
// redshift window are dropped.
func BuildShearMap(galaxies []models.Galaxy, patch models.PatchGeometry) (*grid.Map, error) {
	if patch.NPix <= 0 || patch.NPix%2 != 0 || patch.PixelSize <= 0 {
		return nil, fmt.Errorf("%w: npix=%d pixelSize=%g", ErrInvalidPatch, patch.NPix, patch.PixelSize)
	}
	m, err := grid.NewMap(patch.NPix, patch.NPix, grid.Shear)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	pix := patch.PixelSize * arcminToRad
	half := float64(patch.NPix) / 2
	g1, g2, w := m.E().Values(), m.B().Values(), m.Weight().Values()

	meta := grid.Metadata{
		PixelSize: patch.PixelSize / 60,
		RAMin:     math.Inf(1), RAMax: math.Inf(-1),
		DecMin: math.Inf(1), DecMax: math.Inf(-1),
		ZMin: math.Inf(1), ZMax: math.Inf(-1),
	}
	for _, g := range galaxies {
		if patch.ZMax > 0 && (g.Z < patch.ZMin || g.Z > patch.ZMax) {
			continue
		}
		xi, eta, ok := Project(g.RA, g.Dec, patch.RA, patch.Dec)
		if !ok {
			continue
		}
		px := int(math.Floor(xi/pix + half))
		py := int(math.Floor(eta/pix + half))
		if px < 0 || px >= patch.NPix || py < 0 || py >= patch.NPix {
			continue
		}

		i := py*patch.NPix + px
		g1[i] += g.Weight * g.E1
		g2[i] += g.Weight * g.E2
		w[i] += g.Weight

		meta.NGal++
		meta.RAMin, meta.RAMax = math.Min(meta.RAMin, g.RA), math.Max(meta.RAMax, g.RA)
		meta.DecMin, meta.DecMax = math.Min(meta.DecMin, g.Dec), math.Max(meta.DecMax, g.Dec)
		meta.ZMin, meta.ZMax = math.Min(meta.ZMin, g.Z), math.Max(meta.ZMax, g.Z)
	}
	if meta.NGal == 0 {
		return nil, fmt.Errorf("%w: %d galaxies read, none inside %q", ErrEmptyPatch, len(galaxies), patch.Name)
	}

	for i, wi := range w {
		if wi > 0 {
			g1[i] /= wi
			g2[i] /= wi
		}
	}
	m.Meta = meta
	return m, nil
}
