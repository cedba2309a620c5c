package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// BatchRequest runs the same settings over several temperatures.
type BatchRequest struct {
	SampleID     string
	Temperatures []float64
	Range        models.FrequencyRange
	PeakCount    int
	Guesses      GuessProvider
	Kittel       KittelOptions
	Force        bool
	Overwrite    bool
}

// BatchProgressFunc is called after each temperature. err is the
// temperature's failure, if any.
type BatchProgressFunc func(done, total int, temperature float64, err error)

// TemperatureFailure records a temperature that could not be processed.
type TemperatureFailure struct {
	Temperature float64 `json:"temperature"`
	Error       string  `json:"error"`
}

// BatchReport collects the outcome of every temperature.
type BatchReport struct {
	Reports  []*models.RunReport  `json:"reports"`
	Failures []TemperatureFailure `json:"failures,omitempty"`
}

// RunBatch processes temperatures one at a time. A failing temperature is
// reported and the batch moves on; cancellation and ledger write conflicts
// stop the batch.
func (s *pipelineService) RunBatch(ctx context.Context, batch BatchRequest, progress BatchProgressFunc) (*BatchReport, error) {
	if len(batch.Temperatures) == 0 {
		return nil, fmt.Errorf("%w: no temperatures", models.ErrInvalidParameterRange)
	}

	report := &BatchReport{}
	for i, t := range batch.Temperatures {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := s.RunTemperature(ctx, RunRequest{
			SampleID:    batch.SampleID,
			Temperature: t,
			Range:       batch.Range,
			PeakCount:   batch.PeakCount,
			Guesses:     batch.Guesses,
			Kittel:      batch.Kittel,
			Force:       batch.Force,
			Overwrite:   batch.Overwrite,
		})
		if progress != nil {
			progress(i+1, len(batch.Temperatures), t, err)
		}

		switch {
		case err == nil:
			report.Reports = append(report.Reports, res)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return report, err
		case errors.Is(err, models.ErrLedgerWriteConflict):
			return report, err
		default:
			log.Warn().
				Err(err).
				Str("sample", batch.SampleID).
				Float64("temperature", t).
				Msg("Temperature failed, continuing batch")
			report.Failures = append(report.Failures, TemperatureFailure{Temperature: t, Error: err.Error()})
		}
	}
	return report, nil
}
