// Package regression removes physiological nuisance regressors from a 4D
// volume with slice-wise ordinary least squares.
//
// Each slice is solved independently: voxel and regressor time series are
// demeaned, the coefficients come from the pseudoinverse of the regressor
// matrix, and the fitted part is subtracted. Because every regressor column
// is zero mean, each voxel keeps its temporal mean.
package regression

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// Options configures an Engine.
type Options struct {
	// Workers is the number of slices solved concurrently. Default: runtime.NumCPU().
	Workers int

	// Tolerance is the relative singular value cutoff of the pseudoinverse.
	// Default: max(timepoints, EVs) * machine epsilon.
	Tolerance float64

	// Logger receives per-slice diagnostics at debug level. Default: logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Engine performs slice-wise GLM denoising.
type Engine struct {
	workers   int
	tolerance float64
	log       logrus.FieldLogger
}

// SliceStats describes the fit of one slice.
type SliceStats struct {
	Slice int

	// Rank is the numerical rank of the demeaned regressor matrix
	Rank int

	// ExplainedVariance is the share of demeaned signal variance removed, 0 to 1
	ExplainedVariance float64
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{workers: workers, tolerance: opts.Tolerance, log: log}
}

// Clean runs the engine with default options.
func Clean(ctx context.Context, volume *models.VolumeSeries, regressors *models.RegressorMatrix) (*models.VolumeSeries, error) {
	return NewEngine(Options{}).Clean(ctx, volume, regressors)
}

// Clean returns a new volume with the regressors removed slice by slice.
// The input is never modified and nothing is returned on error.
func (e *Engine) Clean(ctx context.Context, volume *models.VolumeSeries, regressors *models.RegressorMatrix) (*models.VolumeSeries, error) {
	out, _, err := e.CleanWithStats(ctx, volume, regressors)
	return out, err
}

// CleanWithStats is Clean plus the per-slice fit statistics, ordered by slice.
func (e *Engine) CleanWithStats(ctx context.Context, volume *models.VolumeSeries, regressors *models.RegressorMatrix) (*models.VolumeSeries, []SliceStats, error) {
	if err := checkDims(volume, regressors); err != nil {
		return nil, nil, err
	}

	out := models.NewVolumeSeries(volume.NX, volume.NY, volume.NZ, volume.NT, volume.Scale)
	stats := make([]SliceStats, volume.NZ)

	type sliceResult struct {
		slice int
		stats SliceStats
		err   error
	}
	jobs := make(chan int)
	results := make(chan sliceResult)

	workers := min(e.workers, volume.NZ)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range jobs {
				st, err := e.cleanSlice(volume, regressors, out, z)
				results <- sliceResult{slice: z, stats: st, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for z := 0; z < volume.NZ; z++ {
			select {
			case jobs <- z:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	done := 0
	for res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("slice %d: %w", res.slice, res.err)
		}
		stats[res.slice] = res.stats
		done++
		e.log.WithFields(logrus.Fields{
			"slice":     res.slice,
			"rank":      res.stats.Rank,
			"explained": res.stats.ExplainedVariance,
		}).Debug("slice regressed")
	}

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if done != volume.NZ {
		return nil, nil, fmt.Errorf("regression: %d of %d slices processed", done, volume.NZ)
	}
	return out, stats, nil
}

func checkDims(volume *models.VolumeSeries, regressors *models.RegressorMatrix) error {
	const op = "clean"
	if volume == nil {
		return pnmerr.DimensionMismatchf(op, "no volume")
	}
	if err := volume.Validate(); err != nil {
		return pnmerr.Wrap(pnmerr.ErrDimensionMismatch, op, err)
	}
	if regressors == nil {
		return pnmerr.DimensionMismatchf(op, "no regressor matrix")
	}
	if regressors.Slices != volume.NZ {
		return pnmerr.DimensionMismatchf(op, "regressors have %d slices, volume has %d",
			regressors.Slices, volume.NZ)
	}
	if regressors.EVs > 0 && regressors.Timepoints != volume.NT {
		return pnmerr.DimensionMismatchf(op, "regressors have %d timepoints, volume has %d",
			regressors.Timepoints, volume.NT)
	}
	if len(regressors.Data) != regressors.EVs*regressors.Slices*regressors.Timepoints {
		return pnmerr.DimensionMismatchf(op, "regressor data has %d values, dimensions require %d",
			len(regressors.Data), regressors.EVs*regressors.Slices*regressors.Timepoints)
	}
	return nil
}

// cleanSlice solves slice z and writes it into the matching region of out.
// Workers never share an output region.
func (e *Engine) cleanSlice(volume *models.VolumeSeries, regressors *models.RegressorMatrix, out *models.VolumeSeries, z int) (SliceStats, error) {
	nv := volume.VoxelsPerSlice()
	nt := volume.NT

	y := mat.NewDense(nt, nv, nil)
	for t := 0; t < nt; t++ {
		base := nv * (z + volume.NZ*t)
		y.SetRow(t, volume.Data[base:base+nv])
	}

	var x *mat.Dense
	if regressors.EVs > 0 {
		x = mat.NewDense(nt, regressors.EVs, nil)
		for ev := 0; ev < regressors.EVs; ev++ {
			for t := 0; t < nt; t++ {
				x.Set(t, ev, regressors.At(ev, z, t))
			}
		}
	}

	res, st, err := CleanSlice(y, x, e.tolerance)
	if err != nil {
		return SliceStats{Slice: z}, err
	}
	st.Slice = z

	for t := 0; t < nt; t++ {
		base := nv * (z + volume.NZ*t)
		mat.Row(out.Data[base:base+nv], t, res)
	}
	return st, nil
}

// CleanSlice regresses the (time x EVs) matrix x out of the (time x voxels)
// matrix y and returns the residual with each voxel's mean kept.
// A nil x returns a copy of y.
func CleanSlice(y, x *mat.Dense, tol float64) (*mat.Dense, SliceStats, error) {
	nt, nv := y.Dims()
	out := mat.DenseCopyOf(y)
	if x == nil {
		return out, SliceStats{}, nil
	}

	ydm := mat.DenseCopyOf(y)
	demeanColumns(ydm)
	xdm := mat.DenseCopyOf(x)
	demeanColumns(xdm)

	pinv, rank, err := Pinv(xdm, tol)
	if err != nil {
		return nil, SliceStats{}, err
	}
	st := SliceStats{Rank: rank}
	if rank == 0 {
		return out, st, nil
	}

	var beta, fitted mat.Dense
	beta.Mul(pinv, ydm)
	fitted.Mul(xdm, &beta)

	// y - X*B equals (Ydm - X*B) + mean with one rounding step fewer
	out.Sub(y, &fitted)

	var ssTot, ssRes float64
	for t := 0; t < nt; t++ {
		for v := 0; v < nv; v++ {
			d := ydm.At(t, v)
			r := d - fitted.At(t, v)
			ssTot += d * d
			ssRes += r * r
		}
	}
	if ssTot > 0 {
		st.ExplainedVariance = 1 - ssRes/ssTot
	}
	return out, st, nil
}

// demeanColumns subtracts each column's mean in place. Constant columns
// become exactly zero.
func demeanColumns(m *mat.Dense) {
	r, c := m.Dims()
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		if floats.Max(col) == floats.Min(col) {
			m.SetCol(j, make([]float64, r))
			continue
		}
		mean := stat.Mean(col, nil)
		for i := range col {
			col[i] -= mean
		}
		m.SetCol(j, col)
	}
}
