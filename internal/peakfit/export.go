package peakfit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Exporter appends fit results to the peak ledgers.
type Exporter struct {
	ledger repository.LedgerRepository
}

// NewExporter creates an exporter over a ledger repository.
func NewExporter(ledger repository.LedgerRepository) *Exporter {
	return &Exporter{ledger: ledger}
}

// Export writes one row per peak block for the result's frequency and the
// processed marker. Non-converged results are refused.
//
// An already processed key returns models.ErrAlreadyExported unless
// overwrite is set, in which case a superseding row is appended.
func (e *Exporter) Export(ctx context.Context, result *models.FitResult, overwrite bool) error {
	if result == nil {
		return fmt.Errorf("%w: nil fit result", models.ErrInvalidParameterRange)
	}
	if !result.Converged {
		return fmt.Errorf("refusing to export %s GHz: %w", models.FrequencyLabel(result.Key.Frequency), models.ErrNonConvergence)
	}

	err := e.ledger.AppendPeakFits(ctx, result.Key, result.Records(), overwrite)
	if errors.Is(err, models.ErrAlreadyExported) {
		log.Warn().
			Str("sample", result.Key.SampleID).
			Float64("temperature", result.Key.Temperature).
			Float64("frequency", result.Key.Frequency).
			Int("peaks", result.Key.PeakCount).
			Msg("Fit already exported, skipping")
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to export fit: %w", err)
	}

	log.Info().
		Str("sample", result.Key.SampleID).
		Float64("temperature", result.Key.Temperature).
		Float64("frequency", result.Key.Frequency).
		Int("peaks", result.Key.PeakCount).
		Bool("overwrite", overwrite).
		Msg("Fit exported")
	return nil
}
