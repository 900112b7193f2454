package models

// Galaxy is one row of a shear catalog
type Galaxy struct {
	// RA is the right ascension in degrees
	RA float64

	// Dec is the declination in degrees
	Dec float64

	// Z is the photometric redshift
	Z float64

	// E1, E2 are the ellipticity components used as shear estimators
	E1, E2 float64

	// Weight is the lensing weight of the galaxy (1 when the catalog has none)
	Weight float64
}

// PatchGeometry describes a square flat-sky patch to be mapped
type PatchGeometry struct {
	// Name labels the products of this patch
	Name string `yaml:"name" json:"name"`

	// RA and Dec are the patch centre in degrees
	RA  float64 `yaml:"ra" json:"ra"`
	Dec float64 `yaml:"dec" json:"dec"`

	// PixelSize is the pixel side in arcminutes
	PixelSize float64 `yaml:"pixelSize" json:"pixelSize"`

	// NPix is the number of pixels per side (even)
	NPix int `yaml:"npix" json:"npix"`

	// ZMin and ZMax bound the redshift window; ZMax <= 0 keeps every galaxy
	ZMin float64 `yaml:"zMin" json:"zMin"`
	ZMax float64 `yaml:"zMax" json:"zMax"`
}

// Quadrant names one quarter of a patch
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

// Peak is a local maximum found on a convergence or SNR plane
type Peak struct {
	// X, Y are the pixel coordinates
	X int `json:"x"`
	Y int `json:"y"`

	// Value is the plane value at the peak
	Value float64 `json:"value"`

	// Quadrant is the quarter of the patch the peak falls in
	Quadrant Quadrant `json:"quadrant"`
}

func (q Quadrant) String() string {
	switch q {
	case TopLeft:
		return "top-left"
	case TopRight:
		return "top-right"
	case BottomLeft:
		return "bottom-left"
	case BottomRight:
		return "bottom-right"
	}
	return "unknown"
}
