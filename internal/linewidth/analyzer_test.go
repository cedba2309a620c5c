package linewidth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

func record(f float64, peak int, hw, hwErr float64) models.FitRecord {
	return models.FitRecord{
		FitKey:    models.FitKey{SampleID: "S1", Temperature: 10, Frequency: f, PeakCount: 2},
		PeakIndex: peak,
		Params:    models.PeakParams{ResonanceField: 1000 * f, Linewidth: hw},
		Errors:    models.PeakErrors{Linewidth: hwErr},
	}
}

func TestAggregate_OrdersByFrequencyAndKeepsLastRow(t *testing.T) {
	records := []models.FitRecord{
		record(9, 0, 40, 1),
		record(5, 0, 30, 1),
		record(5, 1, 99, 9),
		record(7, 0, 35, 1),
		record(5, 0, 31, 0.5),
	}

	got := Aggregate(records, 0)
	require.Len(t, got, 3)
	assert.Equal(t, models.LinewidthPoint{Frequency: 5, Linewidth: 31, LinewidthError: 0.5}, got[0])
	assert.Equal(t, 7.0, got[1].Frequency)
	assert.Equal(t, 9.0, got[2].Frequency)

	assert.Len(t, Aggregate(records, 1), 1)
	assert.Empty(t, Aggregate(records, 4))
}

func TestFitDamping_RecoversAlpha(t *testing.T) {
	const (
		gamma = 2.8
		alpha = 0.008
		dh0   = 4.0
	)
	var points []models.LinewidthPoint
	for f := 4.0; f <= 20; f += 2 {
		points = append(points, models.LinewidthPoint{
			Frequency:      f,
			Linewidth:      dh0 + alpha*f*1000/gamma,
			LinewidthError: 0.1 + 0.01*f,
		})
	}

	res, err := FitDamping(points, gamma)
	require.NoError(t, err)
	assert.InDelta(t, alpha, res.Alpha, 1e-12)
	assert.InDelta(t, dh0, res.InhomogeneousWidth, 1e-9)
	assert.InDelta(t, 0, res.AlphaError, 1e-9)
	assert.Equal(t, len(points), res.Points)
}

func TestFitDamping_Validation(t *testing.T) {
	_, err := FitDamping([]models.LinewidthPoint{{Frequency: 5, Linewidth: 3}}, 2.8)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = FitDamping([]models.LinewidthPoint{{Frequency: 5}, {Frequency: 6}}, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameterRange)
}
