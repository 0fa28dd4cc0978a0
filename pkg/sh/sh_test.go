package sh

import (
	"math"
	"testing"
)

// TestNforL verifies the even-order coefficient counts
func TestNforL(t *testing.T) {
	testCases := []struct {
		lmax     int
		expected int
	}{
		{0, 1},
		{2, 6},
		{4, 15},
		{6, 28},
		{8, 45},
	}

	for _, tc := range testCases {
		if got := NforL(tc.lmax); got != tc.expected {
			t.Errorf("NforL(%d): expected %d, got %d", tc.lmax, tc.expected, got)
		}
	}
}

// TestLforN verifies the inverse coefficient count mapping
func TestLforN(t *testing.T) {
	for _, lmax := range []int{0, 2, 4, 6, 8} {
		if got := LforN(NforL(lmax)); got != lmax {
			t.Errorf("LforN(NforL(%d)): expected %d, got %d", lmax, lmax, got)
		}
	}
	if got := LforN(7); got != -1 {
		t.Errorf("LforN(7): expected -1 for incomplete series, got %d", got)
	}
}

// TestIndexRoundTrip verifies the (l, m) <-> flat index mapping
func TestIndexRoundTrip(t *testing.T) {
	seen := map[int]bool{}
	lmax := 8
	for l := 0; l <= lmax; l += 2 {
		for m := -l; m <= l; m++ {
			idx := Index(l, m)
			if idx < 0 || idx >= NforL(lmax) {
				t.Fatalf("Index(%d,%d) = %d out of range [0,%d)", l, m, idx, NforL(lmax))
			}
			if seen[idx] {
				t.Fatalf("Index(%d,%d) = %d is not unique", l, m, idx)
			}
			seen[idx] = true

			lb, mb := LMForIndex(idx)
			if lb != l || mb != m {
				t.Errorf("LMForIndex(%d): expected (%d,%d), got (%d,%d)", idx, l, m, lb, mb)
			}
		}
	}
}

// TestDeltaConstantTerm verifies the l=0 term is the constant basis function
func TestDeltaConstantTerm(t *testing.T) {
	expected := 1.0 / (2.0 * math.Sqrt(math.Pi))

	dirs := [][3]float64{
		{0, 0, 1},
		{1, 0, 0},
		{0.3, -0.5, 0.8},
		{-2, 1, 4}, // not normalised
	}
	dst := make([]float64, NforL(0))
	for _, d := range dirs {
		if err := Delta(dst, d, 0); err != nil {
			t.Fatalf("Delta failed: %v", err)
		}
		if math.Abs(dst[0]-expected) > 1e-12 {
			t.Errorf("Delta(%v, 0): expected %g, got %g", d, expected, dst[0])
		}
	}
}

// TestDeltaZeroDirection verifies b=0 volumes get the isotropic row
func TestDeltaZeroDirection(t *testing.T) {
	lmax := 4
	dst := make([]float64, NforL(lmax))
	if err := Delta(dst, [3]float64{0, 0, 0}, lmax); err != nil {
		t.Fatalf("Delta failed: %v", err)
	}
	if math.Abs(dst[0]-1.0/(2.0*math.Sqrt(math.Pi))) > 1e-12 {
		t.Errorf("zero direction: expected constant term, got %g", dst[0])
	}
	for i := 1; i < len(dst); i++ {
		if dst[i] != 0 {
			t.Errorf("zero direction: coefficient %d should be zero, got %g", i, dst[i])
		}
	}
}

// TestDeltaAdditionTheorem verifies the per-band sum of squares is the
// direction-independent constant (2l+1)/(4*pi), which pins down the
// normalisation of the Legendre recurrence.
func TestDeltaAdditionTheorem(t *testing.T) {
	lmax := 8
	dst := make([]float64, NforL(lmax))

	dirs := [][3]float64{
		{0, 0, 1},
		{1, 0, 0},
		{0, 1, 0},
		{0.267, -0.535, 0.802},
		{-0.577, 0.577, 0.577},
		{0.9, 0.1, -0.3},
	}
	for _, d := range dirs {
		if err := Delta(dst, d, lmax); err != nil {
			t.Fatalf("Delta failed: %v", err)
		}
		for l := 0; l <= lmax; l += 2 {
			sum := 0.0
			for m := -l; m <= l; m++ {
				v := dst[Index(l, m)]
				sum += v * v
			}
			expected := float64(2*l+1) / (4 * math.Pi)
			if math.Abs(sum-expected) > 1e-9 {
				t.Errorf("direction %v band %d: sum of squares %g, expected %g", d, l, sum, expected)
			}
		}
	}
}

// TestDeltaLengthMismatch verifies the destination length check
func TestDeltaLengthMismatch(t *testing.T) {
	dst := make([]float64, 5)
	if err := Delta(dst, [3]float64{0, 0, 1}, 4); err == nil {
		t.Error("expected error for wrong destination length")
	}
}
