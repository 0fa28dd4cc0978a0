package reconstruction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/jdtournier/shard-recon/internal/models"
	"github.com/jdtournier/shard-recon/pkg/interpolation"
)

// Mapping is the geometric part of the slice-to-volume forward operator: it
// maps a scalar volume on the reconstruction grid to one acquired slice
// under the per-slice (or per-volume) rigid motion, slice profile blurring
// along z, and windowed-sinc resampling on the rotated lattice.
//
// The sparse per-slice map is rebuilt on the fly inside the scatter loops:
// the geometry is cheap to recompute and needs no allocation, which avoids
// storing the very large explicit slice matrices.
type Mapping struct {
	src models.Grid // source (acquired) grid
	rec models.Grid // reconstruction grid

	motion *mat.Dense // (ne*nv) x 6 rigid parameter rows
	nv     int
	ne     int // 1 (per-volume) or src.Nz (per-slice)

	ssp  *interpolation.SSP
	sinc *interpolation.SincPSF
}

// NewMapping validates the motion table against the grids and builds the
// geometric operator.
func NewMapping(src, rec models.Grid, motion *mat.Dense, nv int, ssp *interpolation.SSP) (*Mapping, error) {
	mrows, mcols := motion.Dims()
	if mcols != 6 {
		return nil, fmt.Errorf("%w: motion table must have 6 columns, got %d", ErrInvalidArgument, mcols)
	}
	var ne int
	switch mrows {
	case nv:
		ne = 1
	case nv * src.Nz:
		ne = src.Nz
	default:
		return nil, fmt.Errorf("%w: motion table must have %d or %d rows, got %d",
			ErrInvalidArgument, nv, nv*src.Nz, mrows)
	}
	return &Mapping{
		src:    src,
		rec:    rec,
		motion: motion,
		nv:     nv,
		ne:     ne,
		ssp:    ssp,
		sinc:   interpolation.NewSincPSF(),
	}, nil
}

// SourceGrid returns the acquired grid
func (m *Mapping) SourceGrid() models.Grid {
	return m.src
}

// ReconGrid returns the reconstruction grid
func (m *Mapping) ReconGrid() models.Grid {
	return m.rec
}

// NumVolumes returns the number of selected volumes
func (m *Mapping) NumVolumes() int {
	return m.nv
}

// motionRow returns the rigid parameters for slice z of volume v
func (m *Mapping) motionRow(v, z int) [6]float64 {
	r := v
	if m.ne > 1 {
		r = v*m.ne + z
	}
	var p [6]float64
	for i := 0; i < 6; i++ {
		p[i] = m.motion.At(r, i)
	}
	return p
}

// Ts2r returns the source-voxel to reconstruction-voxel transform for slice
// z of volume v: scanner-to-voxel of the reconstruction grid, composed with
// the subject's rigid motion in scanner space, composed with voxel-to-scanner
// of the source grid.
func (m *Mapping) Ts2r(v, z int) models.Affine {
	motion := models.RigidFromParams(m.motionRow(v, z))
	return m.rec.Scanner2Voxel().Mul(motion).Mul(m.src.Voxel2Scanner)
}

// SliceForward accumulates the predicted signal of slice z of volume v into
// dst (length src.Nx*src.Ny), reading the scalar volume vol on the
// reconstruction grid. dst is not zeroed first.
func (m *Mapping) SliceForward(dst, vol []float64, v, z int) {
	n := m.sinc.Radius()
	sn := m.ssp.Radius()
	t := m.Ts2r(v, z)

	i := 0
	for y := 0; y < m.src.Ny; y++ {
		for x := 0; x < m.src.Nx; x++ {
			acc := 0.0
			for s := -sn; s <= sn; s++ {
				w := m.ssp.Eval(s)
				pr := t.Apply([3]float64{float64(x), float64(y), float64(z + s)})
				cx, cy, cz, taps := m.sincTaps(pr)
				for kx := 0; kx < 2*n; kx++ {
					qx := cx - n + kx
					if qx < 0 || qx >= m.rec.Nx {
						continue
					}
					wx := w * taps[0][kx]
					for ky := 0; ky < 2*n; ky++ {
						qy := cy - n + ky
						if qy < 0 || qy >= m.rec.Ny {
							continue
						}
						wxy := wx * taps[1][ky]
						base := m.rec.Idx(qx, qy, 0)
						for kz := 0; kz < 2*n; kz++ {
							qz := cz - n + kz
							if qz < 0 || qz >= m.rec.Nz {
								continue
							}
							acc += wxy * taps[2][kz] * vol[base+qz*m.rec.Nx*m.rec.Ny]
						}
					}
				}
			}
			dst[i] += acc
			i++
		}
	}
}

// sincTaps returns the ceil-anchored corner of the interpolation support
// around pr and the separable kernel taps along each axis.
func (m *Mapping) sincTaps(pr [3]float64) (cx, cy, cz int, taps [3][2 * SincTapCount]float64) {
	n := m.sinc.Radius()
	cx, cy, cz = ceilInt(pr[0]), ceilInt(pr[1]), ceilInt(pr[2])
	c := [3]int{cx, cy, cz}
	for a := 0; a < 3; a++ {
		for k := 0; k < 2*n; k++ {
			taps[a][k] = m.sinc.Tap(pr[a] - float64(c[a]-n+k))
		}
	}
	return
}

// SincTapCount is the interpolation support radius used to size tap buffers
const SincTapCount = interpolation.SincRadius

// SliceAdjoint is the exact transpose of SliceForward: it scatters the slice
// values in src (length src.Nx*src.Ny) through the same weights into the
// scalar volume vol on the reconstruction grid. vol is not zeroed first.
func (m *Mapping) SliceAdjoint(vol, src []float64, v, z int) {
	n := m.sinc.Radius()
	sn := m.ssp.Radius()
	t := m.Ts2r(v, z)

	i := 0
	for y := 0; y < m.src.Ny; y++ {
		for x := 0; x < m.src.Nx; x++ {
			val := src[i]
			i++
			if val == 0 {
				continue
			}
			for s := -sn; s <= sn; s++ {
				w := m.ssp.Eval(s) * val
				pr := t.Apply([3]float64{float64(x), float64(y), float64(z + s)})
				cx, cy, cz, taps := m.sincTaps(pr)
				for kx := 0; kx < 2*n; kx++ {
					qx := cx - n + kx
					if qx < 0 || qx >= m.rec.Nx {
						continue
					}
					wx := w * taps[0][kx]
					for ky := 0; ky < 2*n; ky++ {
						qy := cy - n + ky
						if qy < 0 || qy >= m.rec.Ny {
							continue
						}
						wxy := wx * taps[1][ky]
						base := m.rec.Idx(qx, qy, 0)
						for kz := 0; kz < 2*n; kz++ {
							qz := cz - n + kz
							if qz < 0 || qz >= m.rec.Nz {
								continue
							}
							vol[base+qz*m.rec.Nx*m.rec.Ny] += wxy * taps[2][kz]
						}
					}
				}
			}
		}
	}
}

func ceilInt(x float64) int {
	c := int(x)
	if x > float64(c) {
		c++
	}
	return c
}
