// Package kittel fits resonance-field vs frequency dispersions to the
// uniform-mode Kittel relation or its exchange-corrected PSSW variant.
package kittel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/lsq"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// DefaultMaxIterations caps the dispersion solver.
const DefaultMaxIterations = 200

// Key identifies one dispersion fit.
type Key struct {
	SampleID    string
	Temperature float64
	Band        int
}

// Engine fits dispersions. It is safe for concurrent use.
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

// Fit fits points with the selected model. For models.ModelPSSW the guess's
// gamma and M_eff stay fixed and only A_ex and the offset are free.
func (e *Engine) Fit(key Key, points []models.KittelPoint, model models.KittelModel, guess models.KittelGuess) (*models.KittelResult, error) {
	x0, eval, err := setup(points, model, guess)
	if err != nil {
		return nil, err
	}

	problem := lsq.Problem{
		M: len(points),
		Residuals: func(dst, p []float64) {
			for i, pt := range points {
				dst[i] = eval(pt.Field, p) - pt.Frequency
			}
		},
	}

	sol, err := lsq.Solve(problem, x0, e.settings)
	if err != nil && !errors.Is(err, lsq.ErrIterationLimit) {
		return nil, fmt.Errorf("%w: band %d: %v", models.ErrInvalidParameterRange, key.Band, err)
	}

	res := &models.KittelResult{
		ID:          uuid.New(),
		SampleID:    key.SampleID,
		Temperature: key.Temperature,
		Band:        key.Band,
		Model:       model,
		Points:      len(points),
		Iterations:  sol.Iterations,
		Converged:   sol.Converged,
		CreatedAt:   time.Now().UTC(),
	}
	switch model {
	case models.ModelPSSW:
		res.Gamma, res.Meff = guess.Gamma, guess.Meff
		res.ModeIndex, res.Thickness = guess.ModeIndex, guess.Thickness
		res.Aex, res.AexError = sol.X[0], sol.StdErr[0]
		res.Offset, res.OffsetError = sol.X[1], sol.StdErr[1]
	default:
		res.Gamma, res.GammaError = sol.X[0], sol.StdErr[0]
		res.Meff, res.MeffError = sol.X[1], sol.StdErr[1]
		res.Offset, res.OffsetError = sol.X[2], sol.StdErr[2]
	}

	log.Debug().
		Str("sample", key.SampleID).
		Float64("temperature", key.Temperature).
		Int("band", key.Band).
		Str("model", string(model)).
		Int("iterations", sol.Iterations).
		Str("status", sol.Status.String()).
		Msg("Kittel fit finished")

	if !sol.Converged {
		return res, &models.FitError{
			SampleID:    key.SampleID,
			Temperature: key.Temperature,
			Band:        key.Band,
			Iterations:  sol.Iterations,
			Err:         models.ErrFitDidNotConverge,
		}
	}
	return res, nil
}

type evalFunc func(h float64, p []float64) float64

func setup(points []models.KittelPoint, model models.KittelModel, guess models.KittelGuess) ([]float64, evalFunc, error) {
	for i, pt := range points {
		if math.IsNaN(pt.Field) || math.IsNaN(pt.Frequency) {
			return nil, nil, fmt.Errorf("%w: non-finite point %d", models.ErrInvalidParameterRange, i)
		}
	}
	switch model {
	case models.ModelUniform:
		if len(points) < 3 {
			return nil, nil, fmt.Errorf("%w: %d points for 3 free parameters", models.ErrInvalidParameterRange, len(points))
		}
		if guess.Gamma <= 0 {
			return nil, nil, fmt.Errorf("%w: gamma guess %v must be positive", models.ErrInvalidParameterRange, guess.Gamma)
		}
		return []float64{guess.Gamma, guess.Meff, guess.Offset}, func(h float64, p []float64) float64 {
			return Uniform(h, p[0], p[1], p[2])
		}, nil
	case models.ModelPSSW:
		if len(points) < 2 {
			return nil, nil, fmt.Errorf("%w: %d points for 2 free parameters", models.ErrInvalidParameterRange, len(points))
		}
		if guess.ModeIndex < 1 || guess.Thickness <= 0 || guess.Meff <= 0 || guess.Gamma <= 0 {
			return nil, nil, fmt.Errorf("%w: PSSW needs mode >= 1, thickness > 0, positive gamma and M_eff", models.ErrInvalidParameterRange)
		}
		gamma, meff, mode, d := guess.Gamma, guess.Meff, guess.ModeIndex, guess.Thickness
		return []float64{guess.Aex, guess.Offset}, func(h float64, p []float64) float64 {
			return StandingSpinWave(h, gamma, meff, p[0], mode, d, p[1])
		}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown model %q", models.ErrInvalidParameterRange, model)
	}
}

// PointsFromRecords extracts one band's (H, f) series from peak ledger rows,
// sorted by frequency.
func PointsFromRecords(records []models.FitRecord, band int) []models.KittelPoint {
	var out []models.KittelPoint
	for _, r := range records {
		if r.PeakIndex != band {
			continue
		}
		out = append(out, models.KittelPoint{
			Field:          r.Params.ResonanceField,
			FieldError:     r.Errors.ResonanceField,
			Frequency:      r.Frequency,
			Linewidth:      r.Params.Linewidth,
			LinewidthError: r.Errors.Linewidth,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frequency < out[j].Frequency })
	return out
}
