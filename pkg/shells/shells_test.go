package shells

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

// gradTable builds an Nv x 4 gradient table from b-values with arbitrary
// unit directions
func gradTable(bvals []float64) *mat.Dense {
	g := mat.NewDense(len(bvals), 4, nil)
	for i, b := range bvals {
		g.Set(i, 2, 1) // all along z; direction is irrelevant here
		g.Set(i, 3, b)
	}
	return g
}

// TestClassifyTwoShells verifies basic b-value clustering
func TestClassifyTwoShells(t *testing.T) {
	set, err := Classify(gradTable([]float64{0, 1000, 995, 0, 2000, 1005, 2010}), 0)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if set.Count() != 3 {
		t.Fatalf("expected 3 shells, got %d", set.Count())
	}

	expected := []struct {
		b     float64
		count int
	}{
		{0, 2},
		{1000, 3},
		{2005, 2},
	}
	for i, e := range expected {
		s := set.Shell(i)
		if s.Count() != e.count {
			t.Errorf("shell %d: expected %d volumes, got %d", i, e.count, s.Count())
		}
		if diff := s.B - e.b; diff < -10 || diff > 10 {
			t.Errorf("shell %d: expected b close to %g, got %g", i, e.b, s.B)
		}
	}
}

// TestShellOf verifies the volume-to-shell index is total and consistent
func TestShellOf(t *testing.T) {
	bvals := []float64{0, 1000, 2000, 1000, 0, 2000}
	set, err := Classify(gradTable(bvals), 0)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	for v := range bvals {
		si := set.ShellOf(v)
		found := false
		for _, sv := range set.Shell(si).Volumes {
			if sv == v {
				found = true
			}
		}
		if !found {
			t.Errorf("volume %d not in its shell %d", v, si)
		}
	}
}

// TestLargest verifies largest-shell selection with ties resolving to the
// higher b-value
func TestLargest(t *testing.T) {
	set, err := Classify(gradTable([]float64{0, 1000, 1000, 1000, 2000, 2000, 2000}), 0)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	largest := set.Largest()
	if largest.Count() != 3 {
		t.Errorf("expected 3 volumes in the largest shell, got %d", largest.Count())
	}
	if largest.B < 1500 {
		t.Errorf("tie should resolve to the higher shell, got b=%g", largest.B)
	}
}

// TestAllVolumes verifies union ordering: ascending shells, acquisition
// order within a shell
func TestAllVolumes(t *testing.T) {
	set, err := Classify(gradTable([]float64{1000, 0, 2000, 1000, 0}), 0)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	got := set.AllVolumes()
	expected := []int{1, 4, 0, 3, 2}
	if len(got) != len(expected) {
		t.Fatalf("expected %d volumes, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("position %d: expected volume %d, got %d", i, expected[i], got[i])
		}
	}
}

// TestClassifyErrors verifies the input validation
func TestClassifyErrors(t *testing.T) {
	if _, err := Classify(nil, 0); err == nil {
		t.Error("expected error for nil gradient table")
	}
	if _, err := Classify(mat.NewDense(2, 3, nil), 0); err == nil {
		t.Error("expected error for too few columns")
	}

	// a NaN b-value must be rejected
	nan := gradTable([]float64{0, 1000})
	nan.Set(1, 3, nanValue())
	if _, err := Classify(nan, 0); err == nil {
		t.Error("expected error for non-finite b-value")
	}
}

func nanValue() float64 {
	z := 0.0
	return z / z
}

// TestBValuesAndCounts verifies the metadata accessors
func TestBValuesAndCounts(t *testing.T) {
	set, err := Classify(gradTable([]float64{0, 1000, 1000, 2000}), 0)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	b := set.BValues()
	c := set.Counts()
	if len(b) != 3 || len(c) != 3 {
		t.Fatalf("expected 3 shells, got %d and %d", len(b), len(c))
	}
	if c[0] != 1 || c[1] != 2 || c[2] != 1 {
		t.Errorf("unexpected counts %v", c)
	}
	if b[0] != 0 || b[1] != 1000 || b[2] != 2000 {
		t.Errorf("unexpected b-values %v", b)
	}
}
