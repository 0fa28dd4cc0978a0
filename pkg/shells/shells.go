// Package shells classifies diffusion gradient directions into b-value
// shells and selects the volume subsets used for reconstruction.
package shells

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DefaultEpsilon is the default clustering width: the largest amount by
// which a b-value may exceed a shell's running mean and still join it.
const DefaultEpsilon = 80.0

// BZeroThreshold is the b-value below which a volume is treated as b=0.
const BZeroThreshold = 10.0

// Shell is a set of volumes acquired with (approximately) the same b-value.
type Shell struct {
	// B is the mean b-value of the shell
	B float64

	// Volumes are the indices of the volumes belonging to the shell,
	// in acquisition order
	Volumes []int
}

// Count returns the number of volumes in the shell
func (s Shell) Count() int {
	return len(s.Volumes)
}

// Set is an ordered list of shells, sorted by ascending b-value.
type Set struct {
	shells []Shell
	index  []int // volume -> shell
}

// Classify buckets the rows of a gradient table (Nv x >=4, direction plus
// b-value) into shells. Rows are visited in ascending b-value order; a row
// joins the current shell when its b-value exceeds that shell's running mean
// by at most epsilon, and starts a new shell otherwise. Pass epsilon <= 0 to
// use DefaultEpsilon.
func Classify(grad *mat.Dense, epsilon float64) (*Set, error) {
	if grad == nil {
		return nil, fmt.Errorf("shells: gradient table is nil")
	}
	nv, nc := grad.Dims()
	if nc < 4 {
		return nil, fmt.Errorf("shells: gradient table must have at least 4 columns, got %d", nc)
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}

	// sort volumes by b-value, then cluster greedily
	order := make([]int, nv)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return grad.At(order[i], 3) < grad.At(order[j], 3)
	})

	set := &Set{index: make([]int, nv)}
	for _, v := range order {
		b := grad.At(v, 3)
		if !isFinite(b) {
			return nil, fmt.Errorf("shells: non-finite b-value for volume %d", v)
		}
		if b < BZeroThreshold {
			b = 0
		}
		n := len(set.shells)
		if n > 0 && b-set.shells[n-1].B <= epsilon {
			s := &set.shells[n-1]
			// keep the running mean of the shell b-value
			s.B = (s.B*float64(len(s.Volumes)) + b) / float64(len(s.Volumes)+1)
			s.Volumes = append(s.Volumes, v)
		} else {
			set.shells = append(set.shells, Shell{B: b, Volumes: []int{v}})
		}
	}

	for si, s := range set.shells {
		sort.Ints(s.Volumes)
		for _, v := range s.Volumes {
			set.index[v] = si
		}
	}
	return set, nil
}

// Count returns the number of shells
func (s *Set) Count() int {
	return len(s.shells)
}

// Shell returns the i-th shell in ascending b-value order
func (s *Set) Shell(i int) Shell {
	return s.shells[i]
}

// ShellOf returns the shell index of a volume
func (s *Set) ShellOf(volume int) int {
	return s.index[volume]
}

// Largest returns the shell with the most volumes. Ties resolve to the
// highest b-value.
func (s *Set) Largest() Shell {
	best := 0
	for i := 1; i < len(s.shells); i++ {
		if s.shells[i].Count() >= s.shells[best].Count() {
			best = i
		}
	}
	return s.shells[best]
}

// AllVolumes returns the union of all shells, ordered by ascending shell
// b-value, then acquisition order within each shell.
func (s *Set) AllVolumes() []int {
	var idx []int
	for _, sh := range s.shells {
		idx = append(idx, sh.Volumes...)
	}
	return idx
}

// BValues returns the mean b-value of each shell in ascending order
func (s *Set) BValues() []float64 {
	b := make([]float64, len(s.shells))
	for i, sh := range s.shells {
		b[i] = sh.B
	}
	return b
}

// Counts returns the volume count of each shell in ascending b-value order
func (s *Set) Counts() []int {
	c := make([]int, len(s.shells))
	for i, sh := range s.shells {
		c[i] = sh.Count()
	}
	return c
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
