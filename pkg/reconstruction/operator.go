package reconstruction

import (
	"context"
)

// LinearOperator is an implicit linear map used by the least-squares
// conjugate gradient driver. The operator is never materialised: it is
// cheaper to recompute its entries per application than to store them.
type LinearOperator interface {
	// Rows returns the output dimension of the forward map
	Rows() int

	// Cols returns the input dimension of the forward map
	Cols() int

	// Apply computes dst = A*x. dst has length Rows(), x has length Cols().
	Apply(ctx context.Context, dst, x []float64) error

	// ApplyAdjoint computes dst = Aᵀ*y. dst has length Cols(), y has
	// length Rows().
	ApplyAdjoint(ctx context.Context, dst, y []float64) error
}
