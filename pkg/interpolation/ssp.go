// Package interpolation provides the 1D slice sensitivity profile and the
// 3D windowed-sinc interpolation kernel used by the slice-to-volume
// reconstruction operator.
package interpolation

import (
	"fmt"
	"math"
)

// SSP is the slice sensitivity profile: a symmetric 1D kernel along the
// slice-select (z) axis that models through-slice signal mixing. Weights are
// non-negative and normalised to unit sum over the support [-n, n].
type SSP struct {
	weights []float64
	n       int
}

// defaultSSPRadius is the support radius of the Gaussian-derived profile.
const defaultSSPRadius = 2

// NewGaussianSSP builds the profile by sampling a Gaussian with the given
// full width at half maximum (in units of the slice spacing) at integer
// offsets within the default support radius.
func NewGaussianSSP(fwhm float64) (*SSP, error) {
	if fwhm <= 0 || math.IsNaN(fwhm) || math.IsInf(fwhm, 0) {
		return nil, fmt.Errorf("interpolation: slice profile FWHM must be positive, got %g", fwhm)
	}
	sigma := fwhm / (2 * math.Sqrt(2*math.Ln2))
	n := defaultSSPRadius
	w := make([]float64, 2*n+1)
	for s := -n; s <= n; s++ {
		w[s+n] = math.Exp(-0.5 * float64(s*s) / (sigma * sigma))
	}
	ssp := &SSP{weights: w, n: n}
	ssp.normalise()
	return ssp, nil
}

// NewSSPFromSamples builds the profile from an explicitly sampled kernel.
// The sample count must be odd so the profile is centred on the slice.
func NewSSPFromSamples(samples []float64) (*SSP, error) {
	if len(samples) == 0 || len(samples)%2 == 0 {
		return nil, fmt.Errorf("interpolation: slice profile needs an odd number of samples, got %d", len(samples))
	}
	sum := 0.0
	for _, v := range samples {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("interpolation: slice profile samples must be finite and non-negative")
		}
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("interpolation: slice profile sums to zero")
	}
	w := make([]float64, len(samples))
	copy(w, samples)
	ssp := &SSP{weights: w, n: len(samples) / 2}
	ssp.normalise()
	return ssp, nil
}

func (s *SSP) normalise() {
	sum := 0.0
	for _, v := range s.weights {
		sum += v
	}
	for i := range s.weights {
		s.weights[i] /= sum
	}
}

// Radius returns the support radius n; Eval(s) is zero for |s| > n.
func (s *SSP) Radius() int {
	return s.n
}

// Eval returns the profile weight at integer slice offset o
func (s *SSP) Eval(o int) float64 {
	if o < -s.n || o > s.n {
		return 0
	}
	return s.weights[o+s.n]
}
