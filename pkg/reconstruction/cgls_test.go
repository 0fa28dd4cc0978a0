package reconstruction

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jdtournier/shard-recon/internal/models"
)

// denseOp wraps an explicit matrix as a LinearOperator, for validating the
// solver against a direct least-squares solution
type denseOp struct {
	a *mat.Dense
}

func (d *denseOp) Rows() int { r, _ := d.a.Dims(); return r }
func (d *denseOp) Cols() int { _, c := d.a.Dims(); return c }

func (d *denseOp) Apply(_ context.Context, dst, x []float64) error {
	var y mat.VecDense
	y.MulVec(d.a, mat.NewVecDense(len(x), x))
	copy(dst, y.RawVector().Data)
	return nil
}

func (d *denseOp) ApplyAdjoint(_ context.Context, dst, y []float64) error {
	var x mat.VecDense
	x.MulVec(d.a.T(), mat.NewVecDense(len(y), y))
	copy(dst, x.RawVector().Data)
	return nil
}

// TestCGLSAgainstDirectSolve verifies the solver on an explicit
// overdetermined system
func TestCGLSAgainstDirectSolve(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rows, cols := 12, 5
	a := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	b := randomVec(rows, 99)

	res, err := SolveCGLS(context.Background(), &denseOp{a}, b, nil, 1e-12, 100, nil)
	if err != nil {
		t.Fatalf("SolveCGLS failed: %v", err)
	}

	var direct mat.VecDense
	if err := direct.SolveVec(a, mat.NewVecDense(rows, b)); err != nil {
		t.Fatalf("direct solve failed: %v", err)
	}
	for i := 0; i < cols; i++ {
		if math.Abs(res.X[i]-direct.AtVec(i)) > 1e-8 {
			t.Errorf("coefficient %d: CGLS %g, direct %g", i, res.X[i], direct.AtVec(i))
		}
	}
	if res.Iterations < 1 {
		t.Error("expected at least one iteration")
	}
}

// smoothField builds a smooth synthetic coefficient vector so motion does
// not alias high frequencies at the grid boundary
func smoothField(grid models.Grid, nc int) []float64 {
	x := make([]float64, nc*grid.NVox())
	for c := 0; c < nc; c++ {
		amp := 1.0 / float64(c+1)
		fx := float64(c%3+1) * math.Pi / float64(grid.Nx)
		fy := float64(c%2+1) * math.Pi / float64(grid.Ny)
		for z := 0; z < grid.Nz; z++ {
			for y := 0; y < grid.Ny; y++ {
				for xx := 0; xx < grid.Nx; xx++ {
					v := amp * (1 + math.Sin(fx*float64(xx))*math.Cos(fy*float64(y)) +
						0.5*math.Cos(math.Pi*float64(z)/float64(grid.Nz)))
					x[c*grid.NVox()+grid.Idx(xx, y, z)] = v
				}
			}
		}
	}
	return x
}

func relativeError(got, want []float64) float64 {
	num, den := 0.0, 0.0
	for i := range got {
		d := got[i] - want[i]
		num += d * d
		den += want[i] * want[i]
	}
	return math.Sqrt(num / den)
}

// TestRecoveryStatic verifies exact recovery of a known coefficient field
// from noiseless data without motion
func TestRecoveryStatic(t *testing.T) {
	grid := isoGrid(8)
	grad := dtiGradients()
	m := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, 0, 0)

	xTrue := smoothField(grid, 6)
	b := make([]float64, m.Rows())
	ctx := context.Background()
	if err := m.Apply(ctx, b, xTrue); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	res, err := SolveCGLS(ctx, m, b, nil, 1e-8, 200, nil)
	if err != nil {
		t.Fatalf("SolveCGLS failed: %v", err)
	}
	if relErr := relativeError(res.X, xTrue); relErr > 1e-3 {
		t.Errorf("recovery error %g exceeds 1e-3 after %d iterations (residual %g)",
			relErr, res.Iterations, res.Residual)
	}
}

// TestRecoveryWithMotion verifies recovery under moderate per-volume rigid
// motion; the comparison excludes the boundary shell that rotates out of
// the field of view
func TestRecoveryWithMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping motion recovery test in short mode")
	}

	grid := isoGrid(8)
	grad := dtiGradients()
	nv, _ := grad.Dims()

	rng := rand.New(rand.NewSource(31))
	motion := mat.NewDense(nv, 6, nil)
	maxRot := 5 * math.Pi / 180
	for v := 0; v < nv; v++ {
		motion.SetRow(v, []float64{
			4*rng.Float64() - 2, 4*rng.Float64() - 2, 4*rng.Float64() - 2,
			maxRot * (2*rng.Float64() - 1), maxRot * (2*rng.Float64() - 1), maxRot * (2*rng.Float64() - 1),
		})
	}

	m := buildMatrix(t, grid, grad, 2, nil, motion, nil, nil, 0, 0)

	xTrue := smoothField(grid, 6)
	b := make([]float64, m.Rows())
	ctx := context.Background()
	if err := m.Apply(ctx, b, xTrue); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	res, err := SolveCGLS(ctx, m, b, nil, 1e-8, 300, nil)
	if err != nil {
		t.Fatalf("SolveCGLS failed: %v", err)
	}

	// interior comparison: margin of 2 voxels on each face
	margin := 2
	var got, want []float64
	nc := 6
	for c := 0; c < nc; c++ {
		for z := margin; z < grid.Nz-margin; z++ {
			for y := margin; y < grid.Ny-margin; y++ {
				for x := margin; x < grid.Nx-margin; x++ {
					idx := c*grid.NVox() + grid.Idx(x, y, z)
					got = append(got, res.X[idx])
					want = append(want, xTrue[idx])
				}
			}
		}
	}
	if relErr := relativeError(got, want); relErr > 5e-2 {
		t.Errorf("interior recovery error %g exceeds 5e-2 after %d iterations", relErr, res.Iterations)
	}
}

// TestWarmStartIdempotence verifies restarting from a converged solution
// leaves it essentially unchanged
func TestWarmStartIdempotence(t *testing.T) {
	grid := isoGrid(6)
	grad := dtiGradients()
	m := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, 1e-3, 0)

	xTrue := smoothField(grid, 6)
	b := make([]float64, m.Rows())
	ctx := context.Background()
	if err := m.Apply(ctx, b, xTrue); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	tol := 1e-6
	first, err := SolveCGLS(ctx, m, b, nil, tol, 500, nil)
	if err != nil {
		t.Fatalf("first solve failed: %v", err)
	}

	second, err := SolveCGLS(ctx, m, b, first.X, tol, 1, nil)
	if err != nil {
		t.Fatalf("warm-start solve failed: %v", err)
	}

	diff := make([]float64, len(first.X))
	for i := range diff {
		diff[i] = second.X[i] - first.X[i]
	}
	norm := math.Sqrt(floats.Dot(first.X, first.X))
	if change := math.Sqrt(floats.Dot(diff, diff)); change > tol*norm {
		t.Errorf("warm start moved the solution by %g, limit %g", change, tol*norm)
	}
}

// TestRegularisationMonotonicity verifies stronger smoothing does not
// increase the Laplacian energy of the solution
func TestRegularisationMonotonicity(t *testing.T) {
	grid := isoGrid(6)
	grad := dtiGradients()

	xTrue := randomVec(6*grid.NVox(), 77) // rough field, so smoothing has work to do
	ctx := context.Background()

	plain := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, 0, 0)
	data := make([]float64, plain.Rows())
	if err := plain.Apply(ctx, data, xTrue); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	energy := func(reg float64) float64 {
		m := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, reg, 0)
		b := make([]float64, m.Rows())
		copy(b, data) // regularisation rows stay zero
		res, err := SolveCGLS(ctx, m, b, nil, 1e-10, 400, nil)
		if err != nil {
			t.Fatalf("solve with reg %g failed: %v", reg, err)
		}
		e := 0.0
		lap := make([]float64, grid.NVox())
		for c := 0; c < 6; c++ {
			for i := range lap {
				lap[i] = 0
			}
			m.applyLaplacian(lap, res.X[c*grid.NVox():(c+1)*grid.NVox()], 1)
			e += floats.Dot(lap, lap)
		}
		return e
	}

	e1 := energy(1e-3)
	e2 := energy(1e-1)
	if e2 > e1*(1+1e-6) {
		t.Errorf("Laplacian energy increased with stronger regularisation: %g -> %g", e1, e2)
	}
}

// TestCancellation verifies a cancelled context aborts the solve with the
// dedicated error kind
func TestCancellation(t *testing.T) {
	grid := isoGrid(6)
	grad := dtiGradients()
	m := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, 0, 0)

	b := randomVec(m.Rows(), 19)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SolveCGLS(ctx, m, b, nil, 1e-12, 100, nil)
	if err == nil {
		t.Fatal("expected an error from a cancelled solve")
	}
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

// TestCGLSValidation verifies the argument checks
func TestCGLSValidation(t *testing.T) {
	grid := isoGrid(4)
	grad := dtiGradients()
	m := buildMatrix(t, grid, grad, 2, nil, nil, nil, nil, 0, 0)
	ctx := context.Background()

	if _, err := SolveCGLS(ctx, m, make([]float64, 3), nil, 1e-4, 10, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for bad rhs length, got %v", err)
	}
	b := make([]float64, m.Rows())
	if _, err := SolveCGLS(ctx, m, b, make([]float64, 5), 1e-4, 10, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for bad warm-start length, got %v", err)
	}
	if _, err := SolveCGLS(ctx, m, b, nil, 1e-4, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero maxiter, got %v", err)
	}
}
