package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CGLSResult reports the outcome of a least-squares conjugate gradient
// solve. The solver always returns its last iterate: failing to reach the
// tolerance within the iteration limit is not an error.
type CGLSResult struct {
	// X is the final coefficient estimate
	X []float64

	// Iterations is the number of iterations performed
	Iterations int

	// Residual is the final relative normal-equation residual
	// ‖Aᵀ(b − Ax)‖ / ‖Aᵀb‖
	Residual float64
}

// SolveCGLS minimises ‖A·x − b‖² with the CGLS iteration, using only the
// forward and adjoint applications of the operator. x0 is the warm-start
// iterate and may be nil for a zero start. progress, if non-nil, is invoked
// after every iteration. The context is checked between iterations;
// cancellation surfaces as ErrCancelled with the last iterate discarded.
func SolveCGLS(ctx context.Context, op LinearOperator, b, x0 []float64, tol float64, maxiter int, progress func(iter int, residual float64)) (*CGLSResult, error) {
	rows, cols := op.Rows(), op.Cols()
	if len(b) != rows {
		return nil, fmt.Errorf("%w: right-hand side length %d does not match operator rows %d",
			ErrInvalidArgument, len(b), rows)
	}
	if x0 != nil && len(x0) != cols {
		return nil, fmt.Errorf("%w: initial estimate length %d does not match operator columns %d",
			ErrInvalidArgument, len(x0), cols)
	}
	if maxiter < 1 {
		return nil, fmt.Errorf("%w: maximum iteration count must be positive", ErrInvalidArgument)
	}

	x := make([]float64, cols)
	if x0 != nil {
		copy(x, x0)
	}

	// the convergence test is relative to the zero-solution gradient
	atb := make([]float64, cols)
	if err := op.ApplyAdjoint(ctx, atb, b); err != nil {
		return nil, wrapSolveErr(err)
	}
	denom := math.Sqrt(floats.Dot(atb, atb))
	if denom == 0 {
		// trivial system: the zero vector is optimal
		return &CGLSResult{X: make([]float64, cols), Iterations: 0, Residual: 0}, nil
	}

	r := make([]float64, rows)
	s := make([]float64, cols)
	p := make([]float64, cols)
	q := make([]float64, rows)

	// r = b - A x, s = Aᵀ r
	if err := op.Apply(ctx, r, x); err != nil {
		return nil, wrapSolveErr(err)
	}
	for i := range r {
		r[i] = b[i] - r[i]
	}
	if err := op.ApplyAdjoint(ctx, s, r); err != nil {
		return nil, wrapSolveErr(err)
	}
	copy(p, s)
	gamma := floats.Dot(s, s)
	resid := math.Sqrt(gamma) / denom

	res := &CGLSResult{X: x, Residual: resid}
	if resid <= tol {
		return res, nil
	}

	for k := 1; k <= maxiter; k++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: solve interrupted after %d iterations", ErrCancelled, res.Iterations)
		default:
		}

		if err := op.Apply(ctx, q, p); err != nil {
			return nil, wrapSolveErr(err)
		}
		qq := floats.Dot(q, q)
		if qq == 0 {
			break
		}
		alpha := gamma / qq
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)

		if err := op.ApplyAdjoint(ctx, s, r); err != nil {
			return nil, wrapSolveErr(err)
		}
		gammaNew := floats.Dot(s, s)
		resid = math.Sqrt(gammaNew) / denom
		res.Iterations = k
		res.Residual = resid
		if progress != nil {
			progress(k, resid)
		}
		if resid <= tol {
			break
		}

		beta := gammaNew / gamma
		gamma = gammaNew
		for i := range p {
			p[i] = s[i] + beta*p[i]
		}
	}
	return res, nil
}

func wrapSolveErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: solve interrupted", ErrCancelled)
	}
	return err
}
