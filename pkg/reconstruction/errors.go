package reconstruction

import (
	"errors"
)

// Error kinds reported by the reconstruction pipeline. All failures are
// fatal: no partial outputs are written. Callers match with errors.Is to
// map onto exit codes.
var (
	// ErrInvalidArgument indicates inconsistent or out-of-range inputs:
	// malformed motion or weight tables, incompatible dimensions, or
	// unsupported options.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIOFailure indicates an unreadable input or unwritable output.
	ErrIOFailure = errors.New("i/o failure")

	// ErrNumericFailure indicates non-finite values in inputs that cannot
	// be recovered from, such as gradients or motion parameters.
	ErrNumericFailure = errors.New("numeric failure")

	// ErrCancelled indicates the solve was interrupted by the caller.
	ErrCancelled = errors.New("cancelled")
)
