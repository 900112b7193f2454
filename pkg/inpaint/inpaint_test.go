package inpaint

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"massmap/pkg/grid"
	"massmap/pkg/spectral"
)

// bumpShear returns the shear of a Gaussian convergence bump centred on the map
func bumpShear(t *testing.T, n int, amp, s float64) *grid.Map {
	t.Helper()
	kappa, err := grid.NewMap(n, n, grid.Convergence)
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	c := float64(n / 2)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			kappa.Set(x, y, grid.RoleE, amp*math.Exp(-(dx*dx+dy*dy)/(2*s*s)))
			kappa.Set(x, y, grid.RoleWeight, 1)
		}
	}
	shear, err := spectral.ToShear(kappa)
	if err != nil {
		t.Fatalf("ToShear failed: %v", err)
	}
	return shear
}

// centreHole returns a mask of ones with a size×size hole at the centre
func centreHole(n, size int) *grid.PixelGrid {
	mask := grid.New(n, n)
	mask.Fill(1)
	lo := n/2 - size/2
	for y := lo; y < lo+size; y++ {
		for x := lo; x < lo+size; x++ {
			mask.Set(x, y, 0)
		}
	}
	return mask
}

func applyMask(m *grid.Map, mask *grid.PixelGrid) *grid.Map {
	out := m.Copy()
	for i, v := range mask.Values() {
		if v == 0 {
			out.E().Values()[i] = 0
			out.B().Values()[i] = 0
		}
	}
	return out
}

func regionMean(g, mask *grid.PixelGrid, want float64) float64 {
	sum, n := 0.0, 0
	for i, v := range g.Values() {
		if mask.Values()[i] == want {
			sum += v
			n++
		}
	}
	return sum / float64(n)
}

// TestLambdaSchedule verifies the erfc decay and the final pass at lambdaMin
func TestLambdaSchedule(t *testing.T) {
	if l := Lambda(0, 10, 0.1, 2); math.Abs(l-2) > 1e-12 {
		t.Errorf("First pass should use lambdaMax, got %f", l)
	}
	if l := Lambda(9, 10, 0.1, 2); l != 0.1 {
		t.Errorf("Last pass should use lambdaMin, got %f", l)
	}
	prev := math.Inf(1)
	for i := 0; i < 10; i++ {
		l := Lambda(i, 10, 0.1, 2)
		if l > prev {
			t.Errorf("pass %d: threshold %f increased from %f", i, l, prev)
		}
		if l < 0.1 {
			t.Errorf("pass %d: threshold %f below lambdaMin", i, l)
		}
		prev = l
	}
}

// TestMaskFromShear verifies gaps are pixels with both components zero
func TestMaskFromShear(t *testing.T) {
	shear, _ := grid.NewMap(4, 4, grid.Shear)
	shear.Set(1, 1, grid.RoleE, 0.1)
	shear.Set(2, 2, grid.RoleB, -0.2)
	mask := MaskFromShear(shear)
	if mask.Flux() != 2 {
		t.Errorf("Expected 2 observed pixels, got %f", mask.Flux())
	}
	if mask.At(1, 1) != 1 || mask.At(2, 2) != 1 || mask.At(0, 0) != 0 {
		t.Error("Mask does not match the observed pixels")
	}
}

// TestRunPreservesObservedShear verifies observed pixels keep their exact values
func TestRunPreservesObservedShear(t *testing.T) {
	n := 32
	full := bumpShear(t, n, 0.3, 3)
	mask := centreHole(n, 4)
	shear := applyMask(full, mask)
	kappa, err := spectral.ToConvergence(shear)
	if err != nil {
		t.Fatalf("ToConvergence failed: %v", err)
	}

	for _, p := range []Params{
		{Iterations: 5},
		{Iterations: 7, BlockSize: 8, ForceBModeZero: true},
		{Iterations: 4, EqualVariance: true, LambdaMin: 0.001},
	} {
		inp, err := New(p)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		res, err := inp.Run(shear, kappa, mask)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(res.Lambdas) != p.Iterations {
			t.Errorf("Expected %d thresholds, got %d", p.Iterations, len(res.Lambdas))
		}
		for i, m := range mask.Values() {
			if m != 1 {
				continue
			}
			for _, r := range []grid.Role{grid.RoleE, grid.RoleB} {
				want := shear.Plane(r).Values()[i]
				got := res.Shear.Plane(r).Values()[i]
				if math.Abs(got-want) > 1e-12 {
					t.Fatalf("params %+v: observed pixel %d changed: %g vs %g", p, i, got, want)
				}
			}
		}
	}
}

// TestRunFillsCentralHole verifies a 4x4 hole on a halo is filled close to the unmasked answer
func TestRunFillsCentralHole(t *testing.T) {
	n := 32
	full := bumpShear(t, n, 0.3, 3)
	reference, err := spectral.ToConvergence(full)
	if err != nil {
		t.Fatalf("ToConvergence failed: %v", err)
	}
	mask := centreHole(n, 4)
	shear := applyMask(full, mask)
	kappa, _ := spectral.ToConvergence(shear)

	inp, _ := New(Params{Iterations: 10})
	res, err := inp.Run(shear, kappa, mask)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := regionMean(reference.E(), mask, 0)
	got := regionMean(res.Convergence.E(), mask, 0)
	if math.Abs(got-want) > 0.2*math.Abs(want) {
		t.Errorf("Hole mean %f differs from reference %f by more than 20%%", got, want)
	}
	if res.Lambdas[0] <= 0 {
		t.Errorf("Expected an automatic lambdaMax, got %f", res.Lambdas[0])
	}
}

// TestRunRejectsMismatchedMask verifies the size precondition
func TestRunRejectsMismatchedMask(t *testing.T) {
	shear, _ := grid.NewMap(8, 8, grid.Shear)
	kappa, _ := grid.NewMap(8, 8, grid.Convergence)
	inp, _ := New(Params{Iterations: 1})
	if _, err := inp.Run(shear, kappa, grid.New(4, 4)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := New(Params{Iterations: -1}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
}

// TestEqualizeVarianceShrinksLoudGap verifies gap coefficients are rescaled toward the observed spread
func TestEqualizeVarianceShrinksLoudGap(t *testing.T) {
	n := 64
	rng := rand.New(rand.NewPCG(4, 2))
	mask := centreHole(n, 16)
	kappa := grid.New(n, n)
	for i := range kappa.Values() {
		s := 1.0
		if mask.Values()[i] == 0 {
			s = 5
		}
		kappa.Values()[i] = s * rng.NormFloat64()
	}

	before, _ := kappa.MaskedStd(mask, 0)
	out, err := EqualizeVariance(kappa, mask, 4)
	if err != nil {
		t.Fatalf("EqualizeVariance failed: %v", err)
	}
	after, _ := out.MaskedStd(mask, 0)
	if after >= 0.7*before {
		t.Errorf("Expected the gap spread to drop, before %f after %f", before, after)
	}

	// a quiet plane is left alone
	quiet := grid.New(n, n)
	for i := range quiet.Values() {
		quiet.Values()[i] = rng.NormFloat64()
	}
	same, _ := EqualizeVariance(quiet, mask, 2)
	for i, v := range quiet.Values() {
		if math.Abs(same.Values()[i]-v) > 1e-9 {
			t.Fatalf("pixel %d changed on a homogeneous plane", i)
		}
	}
}
