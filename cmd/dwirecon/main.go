// Command dwirecon reconstructs the DWI signal from a series of scattered
// slices with associated rigid motion parameters, fitting a spherical
// harmonics series on a regular grid with a conjugate gradient solver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jdtournier/shard-recon/internal/models"
	"github.com/jdtournier/shard-recon/pkg/config"
	"github.com/jdtournier/shard-recon/pkg/reconstruction"
	"github.com/jdtournier/shard-recon/pkg/visualization"
)

// multiFlag collects repeated string flags
type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	cfg := config.DefaultConfig()
	if path := os.Getenv("DWIRECON_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dwirecon: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	lmax := flag.Int("lmax", cfg.Solver.LMax, "Maximum harmonic order for the output series (0-30, even)")
	gradFile := flag.String("grad", "", "Gradient table file (default: discovered next to the input image)")
	motionFile := flag.String("motion", "", "Rigid motion parameters, one 6-column row per volume or slice")
	var rfFiles multiFlag
	flag.Var(&rfFiles, "rf", "Per-shell radial basis matrix (repeat for multiple basis functions)")
	weightsFile := flag.String("weights", "", "Slice weight matrix (Nz x Nv)")
	voxWeightsFile := flag.String("voxweights", "", "Voxel weight image matching the input dimensions")
	sspSpec := flag.String("ssp", "", "Slice sensitivity profile: scalar FWHM or sampled vector file")
	reg := flag.Float64("reg", cfg.Solver.Reg, "Isotropic Laplacian regularisation coefficient")
	zreg := flag.Float64("zreg", cfg.Solver.ZReg, "Through-slice regularisation coefficient")
	fieldFile := flag.String("field", "", "Susceptibility field image (not yet supported)")
	templateFile := flag.String("template", "", "Template image defining the reconstruction grid")
	tolerance := flag.Float64("tolerance", cfg.Solver.Tolerance, "Conjugate gradient solver tolerance")
	maxiter := flag.Int("maxiter", cfg.Solver.MaxIter, "Maximum number of conjugate gradient iterations")
	initFile := flag.String("init", "", "Warm-start coefficient image")
	padding := flag.Int("padding", 0, "Size of the output coefficient axis (default: coefficient count of lmax)")
	spredFile := flag.String("spred", "", "Output the predicted source signal to this image")
	rpredFile := flag.String("rpred", "", "Output the predicted signal in rotated gradient directions")
	complete := flag.Bool("complete", false, "Pad the source prediction to the full input volume count")
	numCores := flag.Int("cores", cfg.Processing.NumCores, "Number of CPU cores to use")
	slicesDir := flag.String("slices-dir", "", "Directory to save PNG slices of the first coefficient channel")
	quiet := flag.Bool("quiet", !cfg.Output.Verbose, "Suppress progress output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dwirecon [options] DWI SH\n\n"+
			"Reconstruct the DWI signal from scattered slices with associated motion\n"+
			"parameters. DWI is the input image, SH the output coefficient image.\n\n"+
			"options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	if *sspSpec == "" {
		*sspSpec = fmt.Sprintf("%g", cfg.Processing.SSPFWHM)
	}

	params := &reconstruction.Params{
		Input:          flag.Arg(0),
		Output:         flag.Arg(1),
		LMax:           *lmax,
		GradFile:       *gradFile,
		MotionFile:     *motionFile,
		RFFiles:        rfFiles,
		WeightsFile:    *weightsFile,
		VoxWeightsFile: *voxWeightsFile,
		SSP:            *sspSpec,
		Reg:            *reg,
		ZReg:           *zreg,
		FieldFile:      *fieldFile,
		TemplateFile:   *templateFile,
		Tolerance:      *tolerance,
		MaxIter:        *maxiter,
		InitFile:       *initFile,
		Padding:        *padding,
		SPredFile:      *spredFile,
		RPredFile:      *rpredFile,
		Complete:       *complete,
		NumCores:       *numCores,
		ShellEpsilon:   cfg.Processing.ShellEpsilon,
	}
	if !*quiet {
		params.Progress = func(msg string) {
			fmt.Println("dwirecon: " + msg)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := reconstruction.NewReconstructor(params)
	start := time.Now()
	if err := rec.Process(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dwirecon: %v\n", err)
		os.Exit(exitCode(err))
	}

	stats := rec.Stats()
	if !*quiet {
		fmt.Printf("dwirecon: %d iterations, residual %.3g, data residual %.3g +/- %.3g (%.2fs)\n",
			stats.Iterations, stats.Residual, stats.DataMean, stats.DataStd,
			time.Since(start).Seconds())
	}

	if *slicesDir != "" {
		grid := rec.ReconGrid()
		vol := &models.Volume{
			Data: rec.Coefficients(),
			Nx:   grid.Nx, Ny: grid.Ny, Nz: grid.Nz, Nt: rec.NCoefs(),
		}
		viewer := visualization.NewViewer(vol, 0)
		if err := viewer.SaveSliceSequence("z", *slicesDir); err != nil {
			fmt.Fprintf(os.Stderr, "dwirecon: saving slices: %v\n", err)
			os.Exit(2)
		}
	}
}

// exitCode maps error kinds onto distinct exit codes
func exitCode(err error) int {
	switch {
	case errors.Is(err, reconstruction.ErrInvalidArgument):
		return 1
	case errors.Is(err, reconstruction.ErrIOFailure):
		return 2
	case errors.Is(err, reconstruction.ErrNumericFailure):
		return 3
	case errors.Is(err, reconstruction.ErrCancelled):
		return 4
	default:
		return 1
	}
}
