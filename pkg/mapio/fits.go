// Package mapio reads and writes maps as single-HDU FITS images.
//
// A map is stored as a BITPIX=-64 cube of NAXIS1=width, NAXIS2=height and
// NAXIS3=3 planes in plane-role order, with its sky metadata in header cards.
// Processing parameters travel as PARAMn string cards. Paths ending in ".zst"
// are zstd streams of the same bytes.
//
// Decoding goes through github.com/siravan/fits, which only reads; Encode
// writes the cards and the big-endian data blocks itself.
package mapio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/siravan/fits"

	"massmap/pkg/grid"
)

const (
	blockSize = 2880
	cardSize  = 80

	paramPrefix = "PARAM"

	// CompressedExt selects zstd compression in WriteMap and ReadMap.
	CompressedExt = ".zst"
)

var (
	// ErrNotAMap is returned when a file is not a three-plane float64 cube.
	ErrNotAMap = errors.New("mapio: not a map file")
)

// File is a decoded map together with the processing parameters written
// alongside it.
type File struct {
	Map    *grid.Map
	Params map[string]string
}

var mapTypes = map[grid.Kind]string{
	grid.Shear:       "SHEAR",
	grid.Convergence: "CONVERG",
}

// WriteMap writes m to path, compressing when the path ends in ".zst".
func WriteMap(m *grid.Map, path string, params map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create map file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close map file: %w", cerr)
		}
	}()

	if !strings.HasSuffix(path, CompressedExt) {
		return Encode(f, m, params)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to start zstd stream: %w", err)
	}
	if err := Encode(enc, m, params); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return nil
}

// ReadMap reads the map stored at path.
func ReadMap(path string) (*grid.Map, error) {
	file, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return file.Map, nil
}

// ReadFile reads the map and parameters stored at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open map file: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(path, CompressedExt) {
		return Decode(f)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer dec.Close()
	return Decode(dec)
}

// Encode writes m as a FITS primary HDU.
func Encode(w io.Writer, m *grid.Map, params map[string]string) error {
	bw := bufio.NewWriter(w)

	var hdr bytes.Buffer
	card(&hdr, "SIMPLE", "T", "file conforms to FITS standard")
	card(&hdr, "BITPIX", "-64", "IEEE double precision")
	card(&hdr, "NAXIS", "3", "width, height, planes")
	card(&hdr, "NAXIS1", strconv.Itoa(m.Width()), "")
	card(&hdr, "NAXIS2", strconv.Itoa(m.Height()), "")
	card(&hdr, "NAXIS3", "3", "E, B, weight")
	card(&hdr, "MAPTYPE", quote(mapTypes[m.Kind]), "shear or convergence")
	card(&hdr, "PIXSIZE", formatFloat(m.Meta.PixelSize), "degrees")
	card(&hdr, "RAMIN", formatFloat(m.Meta.RAMin), "")
	card(&hdr, "RAMAX", formatFloat(m.Meta.RAMax), "")
	card(&hdr, "DECMIN", formatFloat(m.Meta.DecMin), "")
	card(&hdr, "DECMAX", formatFloat(m.Meta.DecMax), "")
	card(&hdr, "ZMIN", formatFloat(m.Meta.ZMin), "")
	card(&hdr, "ZMAX", formatFloat(m.Meta.ZMax), "")
	card(&hdr, "NGAL", strconv.Itoa(m.Meta.NGal), "galaxies")

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		key := fmt.Sprintf("%s%d", paramPrefix, i+1)
		if !card(&hdr, key, quote(k+"="+params[k]), "parameter") {
			return fmt.Errorf("mapio: parameter %q too long for a header card", k)
		}
	}
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&hdr, ' ')

	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	n := 0
	for _, r := range []grid.Role{grid.RoleE, grid.RoleB, grid.RoleWeight} {
		vals := m.Plane(r).Values()
		if err := binary.Write(bw, binary.BigEndian, vals); err != nil {
			return fmt.Errorf("failed to write %s plane: %w", r, err)
		}
		n += 8 * len(vals)
	}
	if rem := n % blockSize; rem != 0 {
		if _, err := bw.Write(make([]byte, blockSize-rem)); err != nil {
			return fmt.Errorf("failed to pad data: %w", err)
		}
	}
	return bw.Flush()
}

// endBlock is a header block holding only the END card. fits.Open keeps
// reading headers until its source is exhausted and prints the EOF it then
// meets; appending this block makes it stop on an empty header instead.
var endBlock = []byte(fmt.Sprintf("%-2880s", "END"))

// Decode reads a map written by Encode.
func Decode(r io.Reader) (file *File, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read map data: %w", err)
	}
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrNotAMap, len(data))
	}

	defer func() {
		if p := recover(); p != nil {
			file, err = nil, fmt.Errorf("%w: %v", ErrNotAMap, p)
		}
	}()
	units, _ := fits.Open(io.MultiReader(bytes.NewReader(data), bytes.NewReader(endBlock)))

	// Open does not surface header errors, so the primary HDU is checked
	// here. A trailing unit other than endBlock means the data section ran
	// into it.
	if len(units) < 2 || !isEndUnit(units[len(units)-1]) {
		return nil, fmt.Errorf("%w: truncated file", ErrNotAMap)
	}
	u := units[0]
	if simple, _ := u.Keys["SIMPLE"].(bool); !simple {
		return nil, fmt.Errorf("%w: missing SIMPLE card", ErrNotAMap)
	}
	pixels, ok := u.Data.([]float64)
	if !ok || len(u.Naxis) != 3 || u.Naxis[2] != 3 {
		return nil, fmt.Errorf("%w: BITPIX=%v NAXIS=%v", ErrNotAMap, u.Keys["BITPIX"], u.Naxis)
	}
	w, h := u.Naxis[0], u.Naxis[1]

	kind := grid.Shear
	if s, _ := u.Keys["MAPTYPE"].(string); strings.TrimSpace(s) == mapTypes[grid.Convergence] {
		kind = grid.Convergence
	}
	m, err := grid.NewMap(w, h, kind)
	if err != nil {
		return nil, fmt.Errorf("mapio: %w", err)
	}

	fields := []struct {
		key string
		dst *float64
	}{
		{"PIXSIZE", &m.Meta.PixelSize},
		{"RAMIN", &m.Meta.RAMin}, {"RAMAX", &m.Meta.RAMax},
		{"DECMIN", &m.Meta.DecMin}, {"DECMAX", &m.Meta.DecMax},
		{"ZMIN", &m.Meta.ZMin}, {"ZMAX", &m.Meta.ZMax},
	}
	for _, f := range fields {
		v, ok := u.Keys[f.key]
		if !ok {
			continue
		}
		x, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("mapio: bad %s card %v", f.key, v)
		}
		*f.dst = x
	}
	if v, ok := u.Keys["NGAL"]; ok {
		n, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("mapio: bad NGAL card %v", v)
		}
		m.Meta.NGal = n
	}

	size := w * h
	for i, r := range []grid.Role{grid.RoleE, grid.RoleB, grid.RoleWeight} {
		plane, err := grid.FromSlice(w, h, pixels[i*size:(i+1)*size])
		if err != nil {
			return nil, fmt.Errorf("%w: %s plane: %v", ErrNotAMap, r, err)
		}
		if err := m.SetPlane(r, plane); err != nil {
			return nil, fmt.Errorf("mapio: %w", err)
		}
	}

	params := make(map[string]string)
	for key, v := range u.Keys {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(key, paramPrefix) {
			continue
		}
		if k, val, ok := strings.Cut(s, "="); ok {
			params[k] = val
		}
	}
	return &File{Map: m, Params: params}, nil
}

func isEndUnit(u *fits.Unit) bool {
	_, end := u.Keys["END"]
	_, simple := u.Keys["SIMPLE"]
	_, ext := u.Keys["XTENSION"]
	return end && !simple && !ext && len(u.Naxis) == 0
}

// number accepts both value forms fits.Open produces for numeric cards
func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

// card appends a fixed-format keyword card with the value right-justified
// to column 30. String values are always followed by a comment, which the
// reader needs to find the closing quote. It reports false when the card
// does not fit in 80 columns.
func card(b *bytes.Buffer, key, value, comment string) bool {
	var s string
	if strings.HasPrefix(value, "'") {
		if comment == "" {
			comment = key
		}
		s = fmt.Sprintf("%-8s= %-20s / %s", key, value, comment)
	} else {
		s = fmt.Sprintf("%-8s= %20s", key, value)
		if comment != "" {
			s += " / " + comment
		}
	}
	if len(s) > cardSize {
		return false
	}
	b.WriteString(fmt.Sprintf("%-80s", s))
	return true
}

func pad(b *bytes.Buffer, c byte) {
	if rem := b.Len() % blockSize; rem != 0 {
		b.Write(bytes.Repeat([]byte{c}, blockSize-rem))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'E', -1, 64)
}

func quote(s string) string {
	return fmt.Sprintf("'%-8s'", strings.ReplaceAll(s, "'", "''"))
}
