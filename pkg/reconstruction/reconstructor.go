package reconstruction

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jdtournier/shard-recon/internal/matio"
	"github.com/jdtournier/shard-recon/internal/models"
	"github.com/jdtournier/shard-recon/internal/nifti"
	"github.com/jdtournier/shard-recon/pkg/interpolation"
	"github.com/jdtournier/shard-recon/pkg/qspace"
	"github.com/jdtournier/shard-recon/pkg/sh"
	"github.com/jdtournier/shard-recon/pkg/shells"
)

// ProgressCallback reports pipeline progress messages
type ProgressCallback func(message string)

// Params holds the reconstruction configuration.
type Params struct {
	// Input is the path of the 4D DWI image
	Input string

	// Output is the path of the spherical harmonics coefficient image
	Output string

	// LMax is the maximum even harmonic order of the output series
	LMax int

	// GradFile optionally overrides gradient table discovery
	GradFile string

	// MotionFile holds the rigid motion parameters, one 6-parameter row
	// per volume or per slice. Empty means no motion.
	MotionFile string

	// RFFiles are the per-shell radial basis matrices; empty selects
	// single-shell mode
	RFFiles []string

	// WeightsFile is an optional Nz x Nv slice weight matrix
	WeightsFile string

	// VoxWeightsFile is an optional voxel weight image matching the input
	VoxWeightsFile string

	// SSP is either a scalar slice profile FWHM or the path of a sampled
	// profile vector. Empty uses the default Gaussian.
	SSP string

	// Reg and ZReg are the isotropic and through-slice regularisation
	// coefficients
	Reg, ZReg float64

	// FieldFile is the susceptibility field image; rejected until field
	// correction is implemented
	FieldFile string

	// TemplateFile optionally defines the reconstruction grid; default is
	// the input grid
	TemplateFile string

	// Tolerance and MaxIter control the conjugate gradient solver
	Tolerance float64
	MaxIter   int

	// InitFile is an optional warm-start coefficient image
	InitFile string

	// Padding is the size of the output coefficient axis; zero means the
	// natural coefficient count
	Padding int

	// SPredFile optionally receives the predicted source signal
	SPredFile string

	// RPredFile optionally receives the predicted signal in the rotated
	// gradient directions
	RPredFile string

	// Complete pads the source prediction to the full input volume count
	Complete bool

	// NumCores bounds the worker fan-out; zero or negative uses all cores
	NumCores int

	// ShellEpsilon is the b-value clustering width; zero uses the default
	ShellEpsilon float64

	// Progress optionally receives pipeline progress messages
	Progress ProgressCallback
}

// SolveStats summarises the conjugate gradient solve.
type SolveStats struct {
	// Iterations is the number of CG iterations performed
	Iterations int

	// Residual is the final relative normal-equation residual
	Residual float64

	// DataMean and DataStd summarise the weighted data-term residual
	DataMean, DataStd float64
}

// Reconstructor orchestrates the slice-to-volume reconstruction: subset
// selection, operator setup, the least-squares solve, and output packing.
type Reconstructor struct {
	params *Params

	dwi     *nifti.Image
	grad    *mat.Dense // full gradient table
	gradSub *mat.Dense // selected subset
	motion  *mat.Dense // subset motion table

	set      *shells.Set
	selected []int // selected volume indices into the input series
	shellIdx []int // shell of each selected volume
	nshells  int

	rf    []*mat.Dense
	basis *qspace.Basis

	srcGrid models.Grid
	recGrid models.Grid
	pixdim  [3]float64

	matrix *Matrix
	x      []float64

	stats SolveStats
}

// NewReconstructor creates a reconstructor for the given parameters
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{params: params}
}

// Stats returns the solve summary; valid after Process
func (r *Reconstructor) Stats() SolveStats {
	return r.stats
}

// Coefficients returns the solved coefficient vector; valid after Process
func (r *Reconstructor) Coefficients() []float64 {
	return r.x
}

// ReconGrid returns the reconstruction grid; valid after Process
func (r *Reconstructor) ReconGrid() models.Grid {
	return r.recGrid
}

// NCoefs returns the solved coefficient count; valid after Process
func (r *Reconstructor) NCoefs() int {
	return r.basis.NCoefs()
}

func (r *Reconstructor) progress(format string, args ...any) {
	if r.params.Progress != nil {
		r.params.Progress(fmt.Sprintf(format, args...))
	}
}

// Process runs the full pipeline. The context cancels long solves between
// conjugate gradient iterations.
func (r *Reconstructor) Process(ctx context.Context) error {
	if err := r.validateParams(); err != nil {
		return err
	}

	r.progress("loading input image %s", r.params.Input)
	if err := r.loadInputs(); err != nil {
		return err
	}

	r.progress("selecting %d of %d volumes across %d shell(s)",
		len(r.selected), r.dwi.Dim[3], r.nshells)
	if err := r.buildOperator(); err != nil {
		return err
	}

	y := r.extractObservation()
	b, err := r.matrix.WeightedObservation(y)
	if err != nil {
		return err
	}

	x0, err := r.initialEstimate()
	if err != nil {
		return err
	}

	r.progress("solving with conjugate gradient (tol %g, maxiter %d)",
		r.params.Tolerance, r.params.MaxIter)
	res, err := SolveCGLS(ctx, r.matrix, b, x0, r.params.Tolerance, r.params.MaxIter,
		func(iter int, resid float64) {
			r.progress("iteration %d: residual %g", iter, resid)
		})
	if err != nil {
		return err
	}
	r.x = res.X
	r.stats.Iterations = res.Iterations
	r.stats.Residual = res.Residual

	if err := r.computeDataStats(ctx, b); err != nil {
		return err
	}

	r.progress("writing coefficient image %s", r.params.Output)
	if err := r.writeOutput(); err != nil {
		return err
	}
	if r.params.SPredFile != "" {
		r.progress("writing source prediction %s", r.params.SPredFile)
		if err := r.writeSourcePrediction(ctx); err != nil {
			return err
		}
	}
	if r.params.RPredFile != "" {
		r.progress("writing rotated-direction prediction %s", r.params.RPredFile)
		if err := r.writeRotatedPrediction(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconstructor) validateParams() error {
	p := r.params
	if p.Input == "" || p.Output == "" {
		return fmt.Errorf("%w: input and output paths are required", ErrInvalidArgument)
	}
	if p.LMax < 0 || p.LMax > 30 {
		return fmt.Errorf("%w: lmax must be in [0, 30], got %d", ErrInvalidArgument, p.LMax)
	}
	if p.LMax%2 != 0 {
		return fmt.Errorf("%w: lmax must be even, got %d", ErrInvalidArgument, p.LMax)
	}
	if p.FieldFile != "" {
		return fmt.Errorf("%w: susceptibility field correction is not yet supported", ErrInvalidArgument)
	}
	if p.Padding > 0 && p.Padding < sh.NforL(p.LMax) {
		return fmt.Errorf("%w: padding %d is smaller than the %d coefficients of lmax %d",
			ErrInvalidArgument, p.Padding, sh.NforL(p.LMax), p.LMax)
	}
	if p.Tolerance <= 0 || p.MaxIter < 1 {
		return fmt.Errorf("%w: tolerance must be positive and maxiter at least 1", ErrInvalidArgument)
	}
	return nil
}

// loadInputs reads the image and tables and performs subset selection
func (r *Reconstructor) loadInputs() error {
	p := r.params

	dwi, err := nifti.Read(p.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if dwi.Dim[3] < 1 || dwi.Dim[4] != 1 {
		return fmt.Errorf("%w: input image must be 4-dimensional", ErrInvalidArgument)
	}
	r.dwi = dwi
	r.srcGrid = dwi.Grid()
	r.pixdim = dwi.PixDim

	// gradient table
	if p.GradFile != "" {
		r.grad, err = matio.LoadGradients(p.GradFile)
	} else {
		r.grad, err = matio.FindGradients(p.Input)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	nv := dwi.Dim[3]
	gr, _ := r.grad.Dims()
	if gr != nv {
		return fmt.Errorf("%w: gradient table has %d rows for %d volumes", ErrInvalidArgument, gr, nv)
	}
	if !matFinite(r.grad) {
		return fmt.Errorf("%w: gradient table contains non-finite values", ErrNumericFailure)
	}

	// full motion table
	nz := dwi.Dim[2]
	var motion *mat.Dense
	if p.MotionFile != "" {
		motion, err = matio.LoadMatrix(p.MotionFile)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		mr, mc := motion.Dims()
		if mc != 6 {
			return fmt.Errorf("%w: motion table must have 6 columns, got %d", ErrInvalidArgument, mc)
		}
		if mr != nv && mr != nv*nz {
			return fmt.Errorf("%w: motion table must have %d or %d rows, got %d",
				ErrInvalidArgument, nv, nv*nz, mr)
		}
		if !matFinite(motion) {
			return fmt.Errorf("%w: motion table contains non-finite values", ErrNumericFailure)
		}
	} else {
		motion = mat.NewDense(nv, 6, nil)
	}

	// radial basis functions
	r.rf = nil
	for _, path := range p.RFFiles {
		m, err := matio.LoadMatrix(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		r.rf = append(r.rf, m)
	}

	// shell classification and subset selection
	r.set, err = shells.Classify(r.grad, p.ShellEpsilon)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(r.rf) > 0 {
		r.selected = r.set.AllVolumes()
		r.nshells = r.set.Count()
		r.shellIdx = make([]int, len(r.selected))
		for i, v := range r.selected {
			r.shellIdx[i] = r.set.ShellOf(v)
		}
		for _, m := range r.rf {
			rows, _ := m.Dims()
			if rows != r.nshells {
				return fmt.Errorf("%w: radial basis has %d rows for %d shells",
					ErrInvalidArgument, rows, r.nshells)
			}
		}
	} else {
		largest := r.set.Largest()
		r.selected = largest.Volumes
		r.nshells = 1
		r.shellIdx = make([]int, len(r.selected))
	}

	// slice the tables to the selected subset
	nsel := len(r.selected)
	r.gradSub = mat.NewDense(nsel, 4, nil)
	for i, v := range r.selected {
		for j := 0; j < 4; j++ {
			r.gradSub.Set(i, j, r.grad.At(v, j))
		}
	}
	mr, _ := motion.Dims()
	if mr == nv {
		r.motion = mat.NewDense(nsel, 6, nil)
		for i, v := range r.selected {
			r.motion.SetRow(i, motion.RawRowView(v))
		}
	} else {
		r.motion = mat.NewDense(nsel*nz, 6, nil)
		for i, v := range r.selected {
			for z := 0; z < nz; z++ {
				r.motion.SetRow(i*nz+z, motion.RawRowView(v*nz+z))
			}
		}
	}
	return nil
}

// buildOperator sets up the grids, design rows, slice profile and the
// implicit reconstruction matrix.
func (r *Reconstructor) buildOperator() error {
	p := r.params
	nz := r.srcGrid.Nz

	// reconstruction grid, optionally from a template header
	r.recGrid = r.srcGrid
	if p.TemplateFile != "" {
		tmpl, err := nifti.Read(p.TemplateFile)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		r.recGrid = tmpl.Grid()
		r.pixdim = tmpl.PixDim
	}

	basis, err := qspace.NewBasis(r.gradSub, p.LMax, r.rf, r.nshells, r.shellIdx, r.motion, nz)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	r.basis = basis

	ssp, err := r.parseSSP()
	if err != nil {
		return err
	}

	mapping, err := NewMapping(r.srcGrid, r.recGrid, r.motion, len(r.selected), ssp)
	if err != nil {
		return err
	}

	sliceWeights, err := r.loadSliceWeights()
	if err != nil {
		return err
	}
	voxWeights, err := r.loadVoxelWeights()
	if err != nil {
		return err
	}

	r.matrix, err = NewMatrix(mapping, basis, sliceWeights, voxWeights, p.Reg, p.ZReg, p.NumCores)
	return err
}

// parseSSP interprets the slice profile option as a scalar FWHM or as the
// path of a sampled profile.
func (r *Reconstructor) parseSSP() (*interpolation.SSP, error) {
	spec := r.params.SSP
	if spec == "" {
		ssp, err := interpolation.NewGaussianSSP(1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return ssp, nil
	}
	if fwhm, err := strconv.ParseFloat(spec, 64); err == nil {
		ssp, err := interpolation.NewGaussianSSP(fwhm)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return ssp, nil
	}
	m, err := matio.LoadMatrix(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: slice profile %s: %v", ErrInvalidArgument, spec, err)
	}
	rows, cols := m.Dims()
	samples := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		samples = append(samples, m.RawRowView(i)...)
	}
	ssp, err := interpolation.NewSSPFromSamples(samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return ssp, nil
}

// loadSliceWeights reads the Nz x Nv weight matrix and slices its columns
// down to the selected volumes.
func (r *Reconstructor) loadSliceWeights() (*mat.Dense, error) {
	if r.params.WeightsFile == "" {
		return nil, nil
	}
	w, err := matio.LoadMatrix(r.params.WeightsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	wr, wc := w.Dims()
	if wr != r.srcGrid.Nz || wc != r.dwi.Dim[3] {
		return nil, fmt.Errorf("%w: slice weights must be %d x %d, got %d x %d",
			ErrInvalidArgument, r.srcGrid.Nz, r.dwi.Dim[3], wr, wc)
	}
	sub := mat.NewDense(wr, len(r.selected), nil)
	for i, v := range r.selected {
		for z := 0; z < wr; z++ {
			sub.Set(z, i, w.At(z, v))
		}
	}
	return sub, nil
}

// loadVoxelWeights reads the voxel weight image and slices its volumes down
// to the selected subset.
func (r *Reconstructor) loadVoxelWeights() ([]float64, error) {
	if r.params.VoxWeightsFile == "" {
		return nil, nil
	}
	img, err := nifti.Read(r.params.VoxWeightsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	for i := 0; i < 4; i++ {
		if img.Dim[i] != r.dwi.Dim[i] {
			return nil, fmt.Errorf("%w: voxel weight image dimensions do not match the input",
				ErrInvalidArgument)
		}
	}
	nxyz := r.srcGrid.NVox()
	w := make([]float64, nxyz*len(r.selected))
	for i, v := range r.selected {
		copy(w[i*nxyz:(i+1)*nxyz], img.Data[v*nxyz:(v+1)*nxyz])
	}
	for _, val := range w {
		if val < 0 || math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: voxel weights must be finite and non-negative", ErrInvalidArgument)
		}
	}
	return w, nil
}

// extractObservation flattens the selected volumes in raster order, volume
// slowest.
func (r *Reconstructor) extractObservation() []float64 {
	nxyz := r.srcGrid.NVox()
	y := make([]float64, nxyz*len(r.selected))
	for i, v := range r.selected {
		copy(y[i*nxyz:(i+1)*nxyz], r.dwi.Data[v*nxyz:(v+1)*nxyz])
	}
	return y
}

// initialEstimate builds the warm-start coefficient vector from the init
// image, if given. Non-finite values are clipped to zero. A multi-shell SH
// image is projected onto the component basis with the least-squares
// inverse of the stacked shell matrices.
func (r *Reconstructor) initialEstimate() ([]float64, error) {
	p := r.params
	if p.InitFile == "" {
		return nil, nil
	}
	img, err := nifti.Read(p.InitFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if img.Dim[0] != r.recGrid.Nx || img.Dim[1] != r.recGrid.Ny || img.Dim[2] != r.recGrid.Nz {
		return nil, fmt.Errorf("%w: init image grid does not match the reconstruction grid",
			ErrInvalidArgument)
	}

	nc := r.basis.NCoefs()
	nxyz := r.recGrid.NVox()
	x0 := make([]float64, nc*nxyz)

	if img.Dim[4] == 1 {
		// plain SH coefficient image: copy the overlapping channels
		n := img.Dim[3]
		if n > nc {
			n = nc
		}
		copy(x0[:n*nxyz], img.Data[:n*nxyz])
	} else {
		// multi-shell SH image: axis 3 is shell, axis 4 is SH coefficient
		if img.Dim[3] != r.nshells {
			return nil, fmt.Errorf("%w: init image has %d shells, expected %d",
				ErrInvalidArgument, img.Dim[3], r.nshells)
		}
		if err := r.projectMultiShellInit(img, x0); err != nil {
			return nil, err
		}
	}

	for i, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x0[i] = 0
		}
	}
	return x0, nil
}

// projectMultiShellInit solves the stacked shell-basis system for each
// voxel: the per-shell SH values are the image of the coefficient vector
// under the transposed embedding matrices.
func (r *Reconstructor) projectMultiShellInit(img *nifti.Image, x0 []float64) error {
	nc := r.basis.NCoefs()
	nsh := sh.NforL(r.params.LMax)
	nxyz := r.recGrid.NVox()

	// stacked system: rows are (shell, SH index) pairs
	S := mat.NewDense(r.nshells*nsh, nc, nil)
	for s := 0; s < r.nshells; s++ {
		B := r.basis.ShellBasis(s) // nc x nsh
		for i := 0; i < nsh; i++ {
			for j := 0; j < nc; j++ {
				S.Set(s*nsh+i, j, B.At(j, i))
			}
		}
	}

	// precompute the pseudo-inverse once, then one matvec per voxel
	var sts mat.Dense
	sts.Mul(S.T(), S)
	var inv mat.Dense
	if err := inv.Inverse(&sts); err != nil {
		return fmt.Errorf("%w: shell basis is rank-deficient: %v", ErrInvalidArgument, err)
	}
	var pinv mat.Dense
	pinv.Mul(&inv, S.T()) // nc x (nshells*nsh)

	nImgCoef := img.Dim[4]
	rhs := mat.NewVecDense(r.nshells*nsh, nil)
	var out mat.VecDense
	for i := 0; i < nxyz; i++ {
		for s := 0; s < r.nshells; s++ {
			for c := 0; c < nsh; c++ {
				val := 0.0
				if c < nImgCoef {
					val = img.Data[(c*r.nshells+s)*nxyz+i]
				}
				if math.IsNaN(val) || math.IsInf(val, 0) {
					val = 0
				}
				rhs.SetVec(s*nsh+c, val)
			}
		}
		out.MulVec(&pinv, rhs)
		for j := 0; j < nc; j++ {
			x0[j*nxyz+i] = out.AtVec(j)
		}
	}
	return nil
}

// computeDataStats summarises the weighted data-term residual after the
// solve.
func (r *Reconstructor) computeDataStats(ctx context.Context, b []float64) error {
	pred := make([]float64, r.matrix.Rows())
	if err := r.matrix.Apply(ctx, pred, r.x); err != nil {
		return wrapSolveErr(err)
	}
	nobs := r.matrix.RowsObs()
	resid := make([]float64, nobs)
	for i := 0; i < nobs; i++ {
		resid[i] = b[i] - pred[i]
	}
	r.stats.DataMean = stat.Mean(resid, nil)
	r.stats.DataStd = stat.StdDev(resid, nil)
	return nil
}

// writeOutput packs the coefficient vector into the output image: 4D with
// the coefficient axis padded in single-shell mode, 5D with shell and
// coefficient axes in multi-shell mode.
func (r *Reconstructor) writeOutput() error {
	p := r.params
	nc := r.basis.NCoefs()
	nsh := sh.NforL(p.LMax)
	nxyz := r.recGrid.NVox()

	padding := p.Padding
	if padding == 0 {
		padding = nsh
	}

	var out *nifti.Image
	if len(r.rf) == 0 {
		out = nifti.NewImage([5]int{r.recGrid.Nx, r.recGrid.Ny, r.recGrid.Nz, padding, 1})
		n := nc
		if n > padding {
			n = padding
		}
		copy(out.Data[:n*nxyz], r.x[:n*nxyz])
	} else {
		out = nifti.NewImage([5]int{r.recGrid.Nx, r.recGrid.Ny, r.recGrid.Nz, r.nshells, padding})
		// per shell: SH_s(i) = Σ_j B_s(j,i) x_j
		for s := 0; s < r.nshells; s++ {
			B := r.basis.ShellBasis(s)
			for c := 0; c < nsh && c < padding; c++ {
				for j := 0; j < nc; j++ {
					w := B.At(j, c)
					if w == 0 {
						continue
					}
					src := r.x[j*nxyz : (j+1)*nxyz]
					dst := out.Data[(c*r.nshells+s)*nxyz : (c*r.nshells+s+1)*nxyz]
					for i, v := range src {
						dst[i] += w * v
					}
				}
			}
		}
		out.Meta["shells"] = joinFloats(r.set.BValues())
		out.Meta["shellcounts"] = joinInts(r.set.Counts())
	}
	out.Affine = r.recGrid.Voxel2Scanner
	out.PixDim = r.pixdim

	if err := nifti.Write(p.Output, out); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// writeSourcePrediction re-applies the unweighted forward operator to the
// solution and stores it on the source geometry. With Complete set, the
// image covers the full input volume count with unselected volumes zeroed.
func (r *Reconstructor) writeSourcePrediction(ctx context.Context) error {
	nxyz := r.srcGrid.NVox()
	pred := make([]float64, r.matrix.RowsObs())
	if err := r.matrix.Predict(ctx, pred, r.x); err != nil {
		return wrapSolveErr(err)
	}

	nvOut := len(r.selected)
	volOf := func(i int) int { return i }
	if r.params.Complete {
		nvOut = r.dwi.Dim[3]
		volOf = func(i int) int { return r.selected[i] }
	}

	out := nifti.NewImage([5]int{r.srcGrid.Nx, r.srcGrid.Ny, r.srcGrid.Nz, nvOut, 1})
	for i := range r.selected {
		copy(out.Data[volOf(i)*nxyz:(volOf(i)+1)*nxyz], pred[i*nxyz:(i+1)*nxyz])
	}
	out.Affine = r.srcGrid.Voxel2Scanner
	out.PixDim = r.dwi.PixDim

	if err := nifti.Write(r.params.SPredFile, out); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// writeRotatedPrediction evaluates the q-space projection of the solution
// in the motion-rotated gradient direction of each selected volume, without
// geometric resampling. Useful as a registration target.
func (r *Reconstructor) writeRotatedPrediction() error {
	nxyz := r.recGrid.NVox()
	nxy := r.recGrid.Nx * r.recGrid.Ny
	nc := r.basis.NCoefs()
	nvSel := len(r.selected)

	out := nifti.NewImage([5]int{r.recGrid.Nx, r.recGrid.Ny, r.recGrid.Nz, nvSel, 1})
	for v := 0; v < nvSel; v++ {
		for z := 0; z < r.recGrid.Nz; z++ {
			zSrc := z
			if zSrc >= r.srcGrid.Nz {
				zSrc = r.srcGrid.Nz - 1
			}
			row := r.basis.Row(v, zSrc)
			off := v*nxyz + z*nxy
			for c := 0; c < nc; c++ {
				w := row[c]
				if w == 0 {
					continue
				}
				src := r.x[c*nxyz+z*nxy : c*nxyz+(z+1)*nxy]
				for i, val := range src {
					out.Data[off+i] += w * val
				}
			}
		}
	}
	out.Affine = r.recGrid.Voxel2Scanner
	out.PixDim = r.pixdim

	if err := nifti.Write(r.params.RPredFile, out); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

func matFinite(m *mat.Dense) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func joinFloats(vals []float64) string {
	s := ""
	for i, v := range vals {
		if i > 0 {
			s += ","
		}
		s += strconv.FormatFloat(v, 'g', -1, 64)
	}
	return s
}

func joinInts(vals []int) string {
	s := ""
	for i, v := range vals {
		if i > 0 {
			s += ","
		}
		s += strconv.Itoa(v)
	}
	return s
}
