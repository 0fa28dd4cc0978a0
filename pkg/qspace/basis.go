// Package qspace builds the q-space design rows that project spherical
// harmonics coefficients onto the acquired slice signal. Each slice of each
// selected volume gets one row: the even-order real SH basis evaluated at
// the motion-rotated gradient direction, embedded through the per-shell
// radial basis in multi-shell mode.
package qspace

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/jdtournier/shard-recon/internal/models"
	"github.com/jdtournier/shard-recon/pkg/sh"
)

// Basis holds the per-shell embedding matrices and the per-slice design rows.
type Basis struct {
	lmax   int
	ncoef  int
	nv, nz int

	shellIdx   []int        // per selected volume
	shellBasis []*mat.Dense // per shell: ncoef x NforL(lmax)
	rows       *mat.Dense   // (nv*nz) x ncoef
}

// NewBasis constructs the design rows for the selected volumes.
//
// grad holds one unit direction plus b-value per selected volume (nv x >=4).
// rf optionally holds one radial basis matrix per response function; each
// must have one row per shell and one column per even harmonic band. When rf
// is empty, single-shell mode is used and the embedding is the identity.
// shellIdx gives the shell of each selected volume (all zero in single-shell
// mode). motion holds the 6-parameter rigid motion per volume (nv rows) or
// per slice (nv*nz rows); only the rotation part enters q-space.
func NewBasis(grad *mat.Dense, lmax int, rf []*mat.Dense, nshells int, shellIdx []int, motion *mat.Dense, nz int) (*Basis, error) {
	nv, _ := grad.Dims()
	if nz < 1 {
		return nil, fmt.Errorf("qspace: slice count must be positive, got %d", nz)
	}
	if len(shellIdx) != nv {
		return nil, fmt.Errorf("qspace: shell index list has %d entries for %d volumes", len(shellIdx), nv)
	}
	mrows, mcols := motion.Dims()
	if mcols != 6 {
		return nil, fmt.Errorf("qspace: motion table must have 6 columns, got %d", mcols)
	}
	if mrows != nv && mrows != nv*nz {
		return nil, fmt.Errorf("qspace: motion table must have %d or %d rows, got %d", nv, nv*nz, mrows)
	}
	for _, r := range rf {
		rrows, _ := r.Dims()
		if rrows != nshells {
			return nil, fmt.Errorf("qspace: radial basis has %d rows for %d shells", rrows, nshells)
		}
	}

	b := &Basis{
		lmax:     lmax,
		nv:       nv,
		nz:       nz,
		shellIdx: shellIdx,
	}
	b.ncoef = ncoefs(lmax, rf)
	b.initShellBasis(rf, nshells)
	if err := b.initRows(grad, motion); err != nil {
		return nil, err
	}
	return b, nil
}

// ncoefs returns the total coefficient count: the sum over response
// functions of the SH count at each function's own band limit, or the plain
// SH count in single-shell mode.
func ncoefs(lmax int, rf []*mat.Dense) int {
	if len(rf) == 0 {
		return sh.NforL(lmax)
	}
	n := 0
	for _, r := range rf {
		_, cols := r.Dims()
		l := 2 * (cols - 1)
		if l > lmax {
			l = lmax
		}
		n += sh.NforL(l)
	}
	return n
}

// initShellBasis builds one embedding matrix per shell. In single-shell
// mode this is the identity on the SH coefficients; otherwise coefficient j
// of response function k at band 2l picks SH index i with weight r_k(s, l).
func (b *Basis) initShellBasis(rf []*mat.Dense, nshells int) {
	nsh := sh.NforL(b.lmax)
	b.shellBasis = make([]*mat.Dense, nshells)
	for s := 0; s < nshells; s++ {
		B := mat.NewDense(b.ncoef, nsh, nil)
		if len(rf) == 0 {
			for i := 0; i < nsh; i++ {
				B.Set(i, i, 1)
			}
		} else {
			j := 0
			for _, r := range rf {
				_, cols := r.Dims()
				for l := 0; l < cols && 2*l <= b.lmax; l++ {
					for i := l * (2*l - 1); i < (l+1)*(2*l+1); i++ {
						B.Set(j, i, r.At(s, l))
						j++
					}
				}
			}
		}
		b.shellBasis[s] = B
	}
}

// initRows evaluates the design row of every (volume, slice) pair. The SH
// delta evaluation is cached across the slices of a volume when motion is
// per-volume, since the rotated direction is then constant within a volume.
func (b *Basis) initRows(grad, motion *mat.Dense) error {
	nsh := sh.NforL(b.lmax)
	b.rows = mat.NewDense(b.nv*b.nz, b.ncoef, nil)
	mrows, _ := motion.Dims()
	perSlice := mrows == b.nv*b.nz

	delta := mat.NewVecDense(nsh, nil)
	row := mat.NewVecDense(b.ncoef, nil)

	for v := 0; v < b.nv; v++ {
		g := [3]float64{grad.At(v, 0), grad.At(v, 1), grad.At(v, 2)}
		rot := models.IdentityAffine().M
		if !perSlice {
			rot = models.RotationXYZ(motion.At(v, 3), motion.At(v, 4), motion.At(v, 5))
			if err := b.evalDelta(delta, rot, g); err != nil {
				return err
			}
		}
		for z := 0; z < b.nz; z++ {
			if perSlice {
				r := v*b.nz + z
				rot = models.RotationXYZ(motion.At(r, 3), motion.At(r, 4), motion.At(r, 5))
				if err := b.evalDelta(delta, rot, g); err != nil {
					return err
				}
			}
			row.MulVec(b.shellBasis[b.shellIdx[v]], delta)
			b.rows.SetRow(v*b.nz+z, row.RawVector().Data)
		}
	}
	return nil
}

func (b *Basis) evalDelta(delta *mat.VecDense, rot [3][3]float64, g [3]float64) error {
	var u [3]float64
	for i := 0; i < 3; i++ {
		u[i] = rot[i][0]*g[0] + rot[i][1]*g[1] + rot[i][2]*g[2]
	}
	return sh.Delta(delta.RawVector().Data, u, b.lmax)
}

// NCoefs returns the total number of basis coefficients
func (b *Basis) NCoefs() int {
	return b.ncoef
}

// LMax returns the maximum harmonic order of the series
func (b *Basis) LMax() int {
	return b.lmax
}

// NumShells returns the number of shells the basis was built for
func (b *Basis) NumShells() int {
	return len(b.shellBasis)
}

// ShellBasis returns the embedding matrix of shell s
func (b *Basis) ShellBasis(s int) *mat.Dense {
	return b.shellBasis[s]
}

// ShellOf returns the shell index of a selected volume
func (b *Basis) ShellOf(v int) int {
	return b.shellIdx[v]
}

// Row returns the design row of slice z of volume v. The returned slice
// aliases internal storage and must not be modified.
func (b *Basis) Row(v, z int) []float64 {
	return b.rows.RawRowView(v*b.nz + z)
}

// Rows returns the full (nv*nz) x ncoef design matrix
func (b *Basis) Rows() *mat.Dense {
	return b.rows
}
