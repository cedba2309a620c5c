// Package baseline removes the row-wise offset of an interpolated grid for
// heatmap display. Its output is never a fit input.
package baseline

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Window selects the reference samples [n-Offset-Width, n-Offset) near the
// top of the field axis. It is clamped to the axis.
type Window struct {
	Offset int `json:"offset" yaml:"offset"`
	Width  int `json:"width" yaml:"width"`
}

// DefaultWindow is the reference slice used in the lab.
func DefaultWindow() Window {
	return Window{Offset: 10, Width: 100}
}

// Bounds returns the half-open sample range for an axis of n samples.
func (w Window) Bounds(n int) (start, end int, err error) {
	if w.Offset < 0 || w.Width <= 0 {
		return 0, 0, fmt.Errorf("%w: baseline window offset %d width %d", models.ErrInvalidParameterRange, w.Offset, w.Width)
	}
	end = n - w.Offset
	if end <= 0 {
		end = n
	}
	start = end - w.Width
	if start < 0 {
		start = 0
	}
	if start >= end {
		return 0, 0, fmt.Errorf("%w: empty baseline window on %d samples", models.ErrInsufficientData, n)
	}
	return start, end, nil
}

// Heatmap is the display matrix. Row i belongs to Frequencies[i].
type Heatmap struct {
	SampleID    string
	Temperature float64
	Field       []float64
	Frequencies []float64
	Values      *mat.Dense
	Min, Max    float64
}

// Corrector subtracts the reference-window mean from every row.
type Corrector struct {
	Window Window
}

// Correct returns a corrected copy; grid is not modified.
func (c Corrector) Correct(grid *models.InterpolatedGrid) (*Heatmap, error) {
	if grid == nil || grid.Signal == nil {
		return nil, fmt.Errorf("%w: empty grid", models.ErrInsufficientData)
	}
	rows, cols := grid.Signal.Dims()
	start, end, err := c.Window.Bounds(cols)
	if err != nil {
		return nil, err
	}

	values := mat.DenseCopyOf(grid.Signal)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, values)
		floats.AddConst(-stat.Mean(row[start:end], nil), row)
		values.SetRow(i, row)
	}

	raw := values.RawMatrix()
	return &Heatmap{
		SampleID:    grid.SampleID,
		Temperature: grid.Temperature,
		Field:       append([]float64(nil), grid.Field...),
		Frequencies: append([]float64(nil), grid.Frequencies...),
		Values:      values,
		Min:         floats.Min(raw.Data),
		Max:         floats.Max(raw.Data),
	}, nil
}
