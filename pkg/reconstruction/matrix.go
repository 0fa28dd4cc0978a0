package reconstruction

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/jdtournier/shard-recon/pkg/qspace"
)

// Matrix is the full implicit reconstruction operator A. Its forward map
// takes basis coefficients on the reconstruction grid to the weighted
// predicted slice signal, with Laplacian regularisation rows stacked below
// the observations. The adjoint is exact, so the pair can drive a
// least-squares conjugate gradient solve.
//
// All referenced tables are immutable during a solve.
type Matrix struct {
	mapping *Mapping
	basis   *qspace.Basis

	// sliceWeights is nz x nv; nil means unit weights
	sliceWeights *mat.Dense

	// voxelWeights matches the source volume series raster; nil means unit
	voxelWeights []float64

	reg, zreg float64
	workers   int

	nv, nz, nxy int
	nobs        int
	nc, nxyz    int

	volPool sync.Pool // scratch volumes on the reconstruction grid
}

// NewMatrix builds the operator. sliceWeights (nz x nv) and voxelWeights
// (source raster length) may be nil for unit weighting. reg and zreg are
// the isotropic and through-slice regularisation coefficients.
func NewMatrix(mapping *Mapping, basis *qspace.Basis, sliceWeights *mat.Dense, voxelWeights []float64, reg, zreg float64, workers int) (*Matrix, error) {
	src := mapping.SourceGrid()
	rec := mapping.ReconGrid()
	nv := mapping.NumVolumes()

	if sliceWeights != nil {
		wr, wc := sliceWeights.Dims()
		if wr != src.Nz || wc != nv {
			return nil, fmt.Errorf("%w: slice weights must be %d x %d, got %d x %d",
				ErrInvalidArgument, src.Nz, nv, wr, wc)
		}
		for z := 0; z < wr; z++ {
			for v := 0; v < wc; v++ {
				if w := sliceWeights.At(z, v); w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
					return nil, fmt.Errorf("%w: slice weight (%d,%d) = %g", ErrInvalidArgument, z, v, w)
				}
			}
		}
	}
	nobs := src.NVox() * nv
	if voxelWeights != nil && len(voxelWeights) != nobs {
		return nil, fmt.Errorf("%w: voxel weights length %d does not match source series size %d",
			ErrInvalidArgument, len(voxelWeights), nobs)
	}
	if reg < 0 || zreg < 0 {
		return nil, fmt.Errorf("%w: regularisation coefficients must be non-negative", ErrInvalidArgument)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	m := &Matrix{
		mapping:      mapping,
		basis:        basis,
		sliceWeights: sliceWeights,
		voxelWeights: voxelWeights,
		reg:          reg,
		zreg:         zreg,
		workers:      workers,
		nv:           nv,
		nz:           src.Nz,
		nxy:          src.Nx * src.Ny,
		nobs:         nobs,
		nc:           basis.NCoefs(),
		nxyz:         rec.NVox(),
	}
	m.volPool.New = func() any {
		return make([]float64, m.nxyz)
	}
	return m, nil
}

// Rows returns the operator output dimension: observations plus one
// Laplacian block per coefficient channel for each active regulariser.
func (m *Matrix) Rows() int {
	return m.nobs + m.regBlocks()*m.nc*m.nxyz
}

// Cols returns the coefficient vector length
func (m *Matrix) Cols() int {
	return m.nc * m.nxyz
}

// RowsObs returns the number of observation rows (the source series size)
func (m *Matrix) RowsObs() int {
	return m.nobs
}

func (m *Matrix) regBlocks() int {
	n := 0
	if m.reg > 0 {
		n++
	}
	if m.zreg > 0 {
		n++
	}
	return n
}

// sliceWeight returns W_slice(z, v)
func (m *Matrix) sliceWeight(z, v int) float64 {
	if m.sliceWeights == nil {
		return 1
	}
	return m.sliceWeights.At(z, v)
}

// sqrtVoxWeight returns sqrt(W_vox) at observation index i
func (m *Matrix) sqrtVoxWeight(i int) float64 {
	if m.voxelWeights == nil {
		return 1
	}
	return math.Sqrt(m.voxelWeights[i])
}

// Apply computes dst = A*x: the weighted slice predictions followed by the
// regularisation rows. Slices fan out across workers; each worker writes a
// disjoint output slab so no synchronisation is needed.
func (m *Matrix) Apply(ctx context.Context, dst, x []float64) error {
	if len(dst) != m.Rows() || len(x) != m.Cols() {
		return fmt.Errorf("%w: operator apply dimension mismatch", ErrInvalidArgument)
	}
	for i := range dst {
		dst[i] = 0
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for v := 0; v < m.nv; v++ {
		for z := 0; z < m.nz; z++ {
			v, z := v, z
			sw := m.sliceWeight(z, v)
			if sw == 0 {
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				vol := m.volPool.Get().([]float64)
				defer m.volPool.Put(vol)

				m.collapse(vol, x, v, z)
				off := (v*m.nz + z) * m.nxy
				out := dst[off : off+m.nxy]
				m.mapping.SliceForward(out, vol, v, z)

				ssw := math.Sqrt(sw)
				for i := range out {
					out[i] *= ssw * m.sqrtVoxWeight(off+i)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	off := m.nobs
	if m.reg > 0 {
		s := math.Sqrt(m.reg)
		for c := 0; c < m.nc; c++ {
			m.applyLaplacian(dst[off:off+m.nxyz], x[c*m.nxyz:(c+1)*m.nxyz], s)
			off += m.nxyz
		}
	}
	if m.zreg > 0 {
		s := math.Sqrt(m.zreg)
		for c := 0; c < m.nc; c++ {
			m.applyZLaplacian(dst[off:off+m.nxyz], x[c*m.nxyz:(c+1)*m.nxyz], s)
			off += m.nxyz
		}
	}
	return nil
}

// collapse contracts the coefficient axis of x with the design row of slice
// (v, z), producing one scalar volume on the reconstruction grid. Doing
// this before the geometric resampling keeps the inner loops cache-local.
func (m *Matrix) collapse(vol, x []float64, v, z int) {
	row := m.basis.Row(v, z)
	for i := range vol {
		vol[i] = 0
	}
	for c, yc := range row {
		if yc == 0 {
			continue
		}
		xc := x[c*m.nxyz : (c+1)*m.nxyz]
		for i, xv := range xc {
			vol[i] += yc * xv
		}
	}
}

// ApplyAdjoint computes dst = Aᵀ*y. Workers scatter into private
// coefficient accumulators, so the scatter itself takes no lock; at the end
// each worker adds its accumulator into dst under a single mutex.
func (m *Matrix) ApplyAdjoint(ctx context.Context, dst, y []float64) error {
	if len(dst) != m.Cols() || len(y) != m.Rows() {
		return fmt.Errorf("%w: operator adjoint dimension mismatch", ErrInvalidArgument)
	}
	for i := range dst {
		dst[i] = 0
	}

	type job struct{ v, z int }
	jobs := make(chan job)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < m.workers; w++ {
		g.Go(func() error {
			acc := make([]float64, m.Cols())
			vol := make([]float64, m.nxyz)
			slice := make([]float64, m.nxy)
			used := false

			for j := range jobs {
				if err := ctx.Err(); err != nil {
					return err
				}
				sw := m.sliceWeight(j.z, j.v)
				ssw := math.Sqrt(sw)
				off := (j.v*m.nz + j.z) * m.nxy
				for i := range slice {
					slice[i] = ssw * m.sqrtVoxWeight(off+i) * y[off+i]
				}
				for i := range vol {
					vol[i] = 0
				}
				m.mapping.SliceAdjoint(vol, slice, j.v, j.z)

				row := m.basis.Row(j.v, j.z)
				for c, yc := range row {
					if yc == 0 {
						continue
					}
					ac := acc[c*m.nxyz : (c+1)*m.nxyz]
					for i, gv := range vol {
						ac[i] += yc * gv
					}
				}
				used = true
			}

			if used {
				mu.Lock()
				for i, a := range acc {
					dst[i] += a
				}
				mu.Unlock()
			}
			return nil
		})
	}

	send := func() error {
		defer close(jobs)
		for v := 0; v < m.nv; v++ {
			for z := 0; z < m.nz; z++ {
				if m.sliceWeight(z, v) == 0 {
					continue
				}
				select {
				case jobs <- job{v, z}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}
	sendErr := send()
	if err := g.Wait(); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}

	// regularisation rows: the Laplacian blocks are symmetric, so the
	// adjoint applies the same stencil to the residual block
	off := m.nobs
	if m.reg > 0 {
		s := math.Sqrt(m.reg)
		for c := 0; c < m.nc; c++ {
			m.applyLaplacian(dst[c*m.nxyz:(c+1)*m.nxyz], y[off:off+m.nxyz], s)
			off += m.nxyz
		}
	}
	if m.zreg > 0 {
		s := math.Sqrt(m.zreg)
		for c := 0; c < m.nc; c++ {
			m.applyZLaplacian(dst[c*m.nxyz:(c+1)*m.nxyz], y[off:off+m.nxyz], s)
			off += m.nxyz
		}
	}
	return nil
}

// applyLaplacian accumulates scale * L * src into dst, where L is the 3D
// 6-neighbour Laplacian on the reconstruction grid with Neumann boundaries
// (missing neighbours contribute nothing).
func (m *Matrix) applyLaplacian(dst, src []float64, scale float64) {
	rec := m.mapping.ReconGrid()
	nx, ny, nz := rec.Nx, rec.Ny, rec.Nz
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				c := src[i]
				acc := 0.0
				if x > 0 {
					acc += src[i-1] - c
				}
				if x < nx-1 {
					acc += src[i+1] - c
				}
				if y > 0 {
					acc += src[i-nx] - c
				}
				if y < ny-1 {
					acc += src[i+nx] - c
				}
				if z > 0 {
					acc += src[i-nx*ny] - c
				}
				if z < nz-1 {
					acc += src[i+nx*ny] - c
				}
				dst[i] += scale * acc
				i++
			}
		}
	}
}

// applyZLaplacian accumulates scale * Lz * src into dst, where Lz is the 1D
// second difference along the slice axis with Neumann boundaries.
func (m *Matrix) applyZLaplacian(dst, src []float64, scale float64) {
	rec := m.mapping.ReconGrid()
	nx, ny, nz := rec.Nx, rec.Ny, rec.Nz
	nxy := nx * ny
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				c := src[i]
				acc := 0.0
				if z > 0 {
					acc += src[i-nxy] - c
				}
				if z < nz-1 {
					acc += src[i+nxy] - c
				}
				dst[i] += scale * acc
				i++
			}
		}
	}
}

// WeightedObservation returns the right-hand side for the least-squares
// solve: the observations scaled by the square-root weights, padded with
// zeros for the regularisation rows. Non-finite input samples are clipped
// to zero.
func (m *Matrix) WeightedObservation(y []float64) ([]float64, error) {
	if len(y) != m.nobs {
		return nil, fmt.Errorf("%w: observation length %d does not match source series size %d",
			ErrInvalidArgument, len(y), m.nobs)
	}
	b := make([]float64, m.Rows())
	for v := 0; v < m.nv; v++ {
		for z := 0; z < m.nz; z++ {
			sw := m.sliceWeight(z, v)
			if sw == 0 {
				continue
			}
			ssw := math.Sqrt(sw)
			off := (v*m.nz + z) * m.nxy
			for i := 0; i < m.nxy; i++ {
				val := y[off+i]
				if math.IsNaN(val) || math.IsInf(val, 0) {
					val = 0
				}
				b[off+i] = ssw * m.sqrtVoxWeight(off+i) * val
			}
		}
	}
	return b, nil
}

// Predict computes the unweighted forward prediction of the source signal
// for the coefficient vector x. Slices with zero weight are left zero-filled.
// dst has length RowsObs().
func (m *Matrix) Predict(ctx context.Context, dst, x []float64) error {
	if len(dst) != m.nobs || len(x) != m.Cols() {
		return fmt.Errorf("%w: prediction dimension mismatch", ErrInvalidArgument)
	}
	for i := range dst {
		dst[i] = 0
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for v := 0; v < m.nv; v++ {
		for z := 0; z < m.nz; z++ {
			v, z := v, z
			if m.sliceWeight(z, v) == 0 {
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				vol := m.volPool.Get().([]float64)
				defer m.volPool.Put(vol)

				m.collapse(vol, x, v, z)
				off := (v*m.nz + z) * m.nxy
				m.mapping.SliceForward(dst[off:off+m.nxy], vol, v, z)
				return nil
			})
		}
	}
	return g.Wait()
}
