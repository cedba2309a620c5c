// Package interpolate resamples categorized sweeps onto a shared integer
// field axis.
package interpolate

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

type column struct {
	frequency float64
	field     []float64
	signal    []float64
}

// Interpolate builds the frequency x field grid for one table. Columns with
// fewer than two usable points are reported per frequency and left out; a
// table with no usable column fails with models.ErrInsufficientData.
func Interpolate(t *models.CategorizedTable) (*models.InterpolatedGrid, []*models.FrequencyError, error) {
	var (
		cols   []column
		failed []*models.FrequencyError
	)
	lo, hi := math.Inf(1), math.Inf(-1)

	for _, f := range t.Frequencies {
		s, ok := t.Sweep(f)
		if !ok {
			continue
		}
		x, y := clean(s.Field, s.Signal)
		if len(x) < 2 {
			ferr := &models.FrequencyError{
				SampleID:    t.SampleID,
				Temperature: t.Temperature,
				Frequency:   f,
				Err:         fmt.Errorf("%w: %d valid points", models.ErrInsufficientData, len(x)),
			}
			log.Warn().Err(ferr).Msg("Skipping frequency during interpolation")
			failed = append(failed, ferr)
			continue
		}
		cols = append(cols, column{frequency: f, field: x, signal: y})
		lo = math.Min(lo, x[0])
		hi = math.Max(hi, x[len(x)-1])
	}

	if len(cols) == 0 {
		return nil, failed, fmt.Errorf("%w: no interpolatable frequency at T=%sK", models.ErrInsufficientData, models.FormatTemperature(t.Temperature))
	}

	axis := FieldAxis(lo, hi)
	if len(axis) == 0 {
		return nil, failed, fmt.Errorf("%w: field span [%v, %v] leaves no interior samples", models.ErrInsufficientData, lo, hi)
	}

	grid := &models.InterpolatedGrid{
		SampleID:    t.SampleID,
		Temperature: t.Temperature,
		Field:       axis,
		Frequencies: make([]float64, len(cols)),
		Signal:      mat.NewDense(len(cols), len(axis), nil),
	}
	for i, c := range cols {
		grid.Frequencies[i] = c.frequency
		row, err := Resample(c.field, c.signal, axis)
		if err != nil {
			return nil, failed, fmt.Errorf("failed to resample %s GHz: %w", models.FrequencyLabel(c.frequency), err)
		}
		grid.Signal.SetRow(i, row)
	}

	log.Info().
		Str("sample", t.SampleID).
		Float64("temperature", t.Temperature).
		Int("frequencies", len(cols)).
		Int("field_samples", len(axis)).
		Msg("Grid interpolated")
	return grid, failed, nil
}

// FieldAxis returns the integers strictly inside [ceil(lo), floor(hi)].
func FieldAxis(lo, hi float64) []float64 {
	start, end := math.Ceil(lo)+1, math.Floor(hi)-1
	if end < start {
		return nil
	}
	axis := make([]float64, 0, int(end-start)+1)
	for v := start; v <= end; v++ {
		axis = append(axis, v)
	}
	return axis
}

// Resample evaluates the linear interpolant of (x, y) at each of at. x must
// be strictly increasing. Outside [x0, xn] the end segments are extended.
func Resample(x, y, at []float64) ([]float64, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(x, y); err != nil {
		return nil, err
	}
	n := len(x)
	out := make([]float64, len(at))
	for i, v := range at {
		switch {
		case v < x[0]:
			out[i] = extend(x[0], y[0], x[1], y[1], v)
		case v > x[n-1]:
			out[i] = extend(x[n-2], y[n-2], x[n-1], y[n-1], v)
		default:
			out[i] = pl.Predict(v)
		}
	}
	return out, nil
}

func extend(x0, y0, x1, y1, v float64) float64 {
	return y0 + (y1-y0)*(v-x0)/(x1-x0)
}

// clean drops NaN rows, skips the leading plateau, keeps the strictly
// monotonic run that follows and returns it in ascending field order.
func clean(field, signal []float64) ([]float64, []float64) {
	x := make([]float64, 0, len(field))
	y := make([]float64, 0, len(field))
	for i := range field {
		if i >= len(signal) || math.IsNaN(field[i]) || math.IsNaN(signal[i]) {
			continue
		}
		x = append(x, field[i])
		y = append(y, signal[i])
	}

	start := 0
	for start+1 < len(x) && x[start+1] == x[start] {
		start++
	}
	x, y = x[start:], y[start:]
	if len(x) < 2 {
		return x, y
	}

	ascending := x[1] > x[0]
	end := 1
	for end < len(x) && (x[end] > x[end-1]) == ascending && x[end] != x[end-1] {
		end++
	}
	x, y = x[:end], y[:end]

	if !ascending {
		rx := make([]float64, len(x))
		ry := make([]float64, len(y))
		for i := range x {
			rx[len(x)-1-i] = x[i]
			ry[len(y)-1-i] = y[i]
		}
		x, y = rx, ry
	}
	return x, y
}
