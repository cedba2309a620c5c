// Package peakfit fits multi-peak Lorentzian-derivative lineshapes to one
// frequency's resampled field sweep and exports the results to the ledgers.
package peakfit

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/lsq"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// DefaultMaxIterations caps the solver when no setting is given.
const DefaultMaxIterations = 400

// Engine fits peaks. It holds only settings, so one Engine may serve
// concurrent fits of different frequencies.
type Engine struct {
	settings lsq.Settings
}

// NewEngine creates an engine with the given iteration cap.
func NewEngine(maxIterations int) *Engine {
	s := lsq.DefaultSettings()
	s.MaxIterations = maxIterations
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	return &Engine{settings: s}
}

// Fit fits key.PeakCount peaks to (x, y). On non-convergence the partial
// result is returned together with a *models.FitError wrapping
// models.ErrNonConvergence.
func (e *Engine) Fit(key models.FitKey, x, y []float64, guesses []models.PeakGuess) (*models.FitResult, error) {
	if err := validate(key, x, y, guesses); err != nil {
		return nil, err
	}

	model := Model{Peaks: key.PeakCount}
	lower, upper := bounds(model, x)
	p0 := seed(model, x, y, guesses)
	clampInto(p0, lower, upper)

	problem := lsq.Problem{
		M: len(x),
		Residuals: func(dst, p []float64) {
			for i, xi := range x {
				dst[i] = model.Eval(xi, p) - y[i]
			}
		},
		Jacobian: func(jac *mat.Dense, p []float64) {
			model.Jacobian(jac, x, p)
		},
		Lower: lower,
		Upper: upper,
	}

	sol, err := lsq.Solve(problem, p0, e.settings)
	if err != nil && !errors.Is(err, lsq.ErrIterationLimit) {
		return nil, fmt.Errorf("%w: %s GHz: %v", models.ErrInvalidParameterRange, models.FrequencyLabel(key.Frequency), err)
	}

	result := assemble(key, model, x, sol)
	log.Debug().
		Str("sample", key.SampleID).
		Float64("temperature", key.Temperature).
		Float64("frequency", key.Frequency).
		Int("peaks", key.PeakCount).
		Int("iterations", sol.Iterations).
		Str("status", sol.Status.String()).
		Msg("Peak fit finished")

	if !result.Converged {
		return result, &models.FitError{
			SampleID:    key.SampleID,
			Temperature: key.Temperature,
			Frequency:   key.Frequency,
			Band:        -1,
			Iterations:  sol.Iterations,
			Err:         models.ErrNonConvergence,
		}
	}
	return result, nil
}

// Refit fits again. Without new guesses it warm-starts from previous when
// the peak count matches.
func (e *Engine) Refit(key models.FitKey, x, y []float64, previous *models.FitResult, guesses []models.PeakGuess) (*models.FitResult, error) {
	if len(guesses) == 0 && previous != nil && len(previous.Peaks) == key.PeakCount {
		guesses = previous.Guesses()
	}
	return e.Fit(key, x, y, guesses)
}

func validate(key models.FitKey, x, y []float64, guesses []models.PeakGuess) error {
	need := Model{Peaks: key.PeakCount}.NumParams()
	switch {
	case key.PeakCount < 0 || key.PeakCount > models.MaxPeaks:
		return fmt.Errorf("%w: peak count %d outside [0, %d]", models.ErrInvalidParameterRange, key.PeakCount, models.MaxPeaks)
	case len(guesses) != key.PeakCount:
		return fmt.Errorf("%w: %d guesses for %d peaks", models.ErrInvalidParameterRange, len(guesses), key.PeakCount)
	case len(x) != len(y):
		return fmt.Errorf("%w: %d field values for %d signal values", models.ErrInvalidParameterRange, len(x), len(y))
	case len(x) <= need:
		return fmt.Errorf("%w: %d points for %d parameters", models.ErrInsufficientData, len(x), need)
	}
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) || math.IsInf(x[i], 0) || math.IsInf(y[i], 0) {
			return fmt.Errorf("%w: non-finite sample at index %d", models.ErrInvalidParameterRange, i)
		}
	}
	lo, hi := minMax(x)
	for i, g := range guesses {
		if g.Linewidth <= 0 {
			return fmt.Errorf("%w: peak %d linewidth guess %v must be positive", models.ErrInvalidParameterRange, i, g.Linewidth)
		}
		if g.ResonanceField < lo || g.ResonanceField > hi {
			return fmt.Errorf("%w: peak %d resonance guess %v outside [%v, %v]", models.ErrInvalidParameterRange, i, g.ResonanceField, lo, hi)
		}
		if (g.Asymmetry != nil && math.Abs(*g.Asymmetry) > 1) || (g.Symmetry != nil && math.Abs(*g.Symmetry) > 1) {
			return fmt.Errorf("%w: peak %d amplitude guess outside [-1, 1]", models.ErrInvalidParameterRange, i)
		}
	}
	return nil
}

// seed places peaks at the guesses and, for amplitudes the guess leaves
// open, solves the linear problem in {a_i, s_i, v} at those positions.
func seed(model Model, x, y []float64, guesses []models.PeakGuess) []float64 {
	n := model.NumParams()
	p := make([]float64, n)
	for i, g := range guesses {
		c := i * paramsPerPeak
		p[c] = g.ResonanceField
		p[c+1] = g.Linewidth
	}

	amp := linearAmplitudes(model, x, y, p)
	for i, g := range guesses {
		c := i * paramsPerPeak
		p[c+2], p[c+3] = amp[2*i], amp[2*i+1]
		if g.Asymmetry != nil {
			p[c+2] = *g.Asymmetry
		}
		if g.Symmetry != nil {
			p[c+3] = *g.Symmetry
		}
	}
	p[n-1] = amp[len(amp)-1]
	return p
}

// linearAmplitudes returns [a_0, s_0, ..., v] minimizing the residual with
// hr and hw held at p. Falls back to small amplitudes and the mean offset
// when the design matrix is singular.
func linearAmplitudes(model Model, x, y, p []float64) []float64 {
	cols := 2*model.Peaks + 1
	design := mat.NewDense(len(x), cols, nil)
	for r, xi := range x {
		for i := 0; i < model.Peaks; i++ {
			sym, asym := basis(xi, p[i*paramsPerPeak], p[i*paramsPerPeak+1])
			design.Set(r, 2*i, asym)
			design.Set(r, 2*i+1, sym)
		}
		design.Set(r, cols-1, 1)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(design, mat.NewVecDense(len(y), append([]float64(nil), y...))); err == nil {
		out := make([]float64, cols)
		for j := range out {
			out[j] = beta.AtVec(j)
		}
		return out
	}

	out := make([]float64, cols)
	for i := 0; i < model.Peaks; i++ {
		out[2*i], out[2*i+1] = 0.1, 0.1
	}
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	out[cols-1] = mean / float64(len(y))
	return out
}

func clampInto(p, lower, upper []float64) {
	for j := range p {
		p[j] = math.Min(math.Max(p[j], lower[j]), upper[j])
	}
}

func assemble(key models.FitKey, model Model, x []float64, sol *lsq.Result) *models.FitResult {
	res := &models.FitResult{
		Key:        key,
		Peaks:      make([]models.PeakParams, model.Peaks),
		Errors:     make([]models.PeakErrors, model.Peaks),
		BestFit:    model.Curve(x, sol.X),
		Converged:  sol.Converged,
		Iterations: sol.Iterations,
		Cost:       sol.Cost,
	}
	for i := 0; i < model.Peaks; i++ {
		c := i * paramsPerPeak
		res.Peaks[i] = models.PeakParams{
			ResonanceField: sol.X[c],
			Linewidth:      sol.X[c+1],
			Asymmetry:      sol.X[c+2],
			Symmetry:       sol.X[c+3],
		}
		res.Errors[i] = models.PeakErrors{
			ResonanceField: sol.StdErr[c],
			Linewidth:      sol.StdErr[c+1],
			Asymmetry:      sol.StdErr[c+2],
			Symmetry:       sol.StdErr[c+3],
		}
	}
	off := model.NumParams() - 1
	res.Offset, res.OffsetError = sol.X[off], sol.StdErr[off]
	return res
}
