package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// InterpolatedGrid is the frequency x field matrix shared by the heatmap and
// the peak fitter. Row i of Signal belongs to Frequencies[i].
type InterpolatedGrid struct {
	SampleID    string
	Temperature float64
	Field       []float64
	Frequencies []float64
	Signal      *mat.Dense
}

// Row returns the index of frequency f, or -1.
func (g *InterpolatedGrid) Row(f float64) int {
	for i, v := range g.Frequencies {
		if math.Abs(v-f) < 1e-9 {
			return i
		}
	}
	return -1
}

// Column returns a copy of one frequency's resampled sweep.
func (g *InterpolatedGrid) Column(f float64) ([]float64, error) {
	i := g.Row(f)
	if i < 0 {
		return nil, fmt.Errorf("%w: frequency %s GHz not in grid", ErrInsufficientData, FrequencyLabel(f))
	}
	return mat.Row(nil, i, g.Signal), nil
}
