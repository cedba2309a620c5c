// Package linewidth collects linewidth-vs-frequency series from the peak
// ledger and optionally fits Gilbert damping to them.
package linewidth

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Aggregate returns one band's linewidths ordered by frequency. When a
// frequency was exported more than once the last row wins.
func Aggregate(records []models.FitRecord, band int) []models.LinewidthPoint {
	byFreq := make(map[string]models.LinewidthPoint)
	for _, r := range records {
		if r.PeakIndex != band {
			continue
		}
		byFreq[models.FrequencyLabel(r.Frequency)] = models.LinewidthPoint{
			Frequency:      r.Frequency,
			Linewidth:      r.Params.Linewidth,
			LinewidthError: r.Errors.Linewidth,
		}
	}

	out := make([]models.LinewidthPoint, 0, len(byFreq))
	for _, p := range byFreq {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frequency < out[j].Frequency })
	return out
}

// FitDamping fits dH = dH0 + (alpha/gamma)*f with gamma in GHz/kOe. Points
// are weighted by 1/err^2 when every point carries a positive error.
func FitDamping(points []models.LinewidthPoint, gamma float64) (*models.DampingResult, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: %d linewidth points", models.ErrInsufficientData, len(points))
	}
	if gamma <= 0 {
		return nil, fmt.Errorf("%w: gamma %v must be positive", models.ErrInvalidParameterRange, gamma)
	}

	x := make([]float64, len(points))
	y := make([]float64, len(points))
	w := make([]float64, len(points))
	weighted := true
	for i, p := range points {
		x[i], y[i] = p.Frequency, p.Linewidth
		if p.LinewidthError > 0 {
			w[i] = 1 / (p.LinewidthError * p.LinewidthError)
		} else {
			weighted = false
		}
	}
	if !weighted {
		w = nil
	}

	intercept, slope := stat.LinearRegression(x, y, w, false)
	interceptErr, slopeErr := regressionErrors(x, y, w, intercept, slope)

	// gamma is GHz/kOe; the slope is Oe/GHz.
	scale := gamma / 1000
	return &models.DampingResult{
		Alpha:                   slope * scale,
		AlphaError:              slopeErr * scale,
		InhomogeneousWidth:      intercept,
		InhomogeneousWidthError: interceptErr,
		Gamma:                   gamma,
		Points:                  len(points),
	}, nil
}

func regressionErrors(x, y, w []float64, intercept, slope float64) (float64, float64) {
	n := len(x)
	if n <= 2 {
		return math.NaN(), math.NaN()
	}
	weight := func(i int) float64 {
		if w == nil {
			return 1
		}
		return w[i]
	}

	var sw, swx, ssr float64
	for i := range x {
		r := y[i] - intercept - slope*x[i]
		sw += weight(i)
		swx += weight(i) * x[i]
		ssr += weight(i) * r * r
	}
	mean := swx / sw
	var sxx float64
	for i := range x {
		d := x[i] - mean
		sxx += weight(i) * d * d
	}
	s2 := ssr / float64(n-2)
	return math.Sqrt(s2 * (1/sw + mean*mean/sxx)), math.Sqrt(s2 / sxx)
}
