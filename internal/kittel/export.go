package kittel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Exporter appends dispersion results to the summary ledger.
type Exporter struct {
	ledger repository.LedgerRepository
}

// NewExporter creates an exporter writing to ledger.
func NewExporter(ledger repository.LedgerRepository) *Exporter {
	return &Exporter{ledger: ledger}
}

// Export appends one summary row. Non-converged results are refused.
func (e *Exporter) Export(ctx context.Context, result *models.KittelResult) error {
	if result == nil {
		return fmt.Errorf("%w: nil kittel result", models.ErrInvalidParameterRange)
	}
	if !result.Converged {
		return fmt.Errorf("refusing to export band %d: %w", result.Band, models.ErrFitDidNotConverge)
	}
	if err := e.ledger.AppendKittelResult(ctx, result); err != nil {
		return fmt.Errorf("failed to export kittel result: %w", err)
	}
	log.Info().
		Str("sample", result.SampleID).
		Float64("temperature", result.Temperature).
		Int("band", result.Band).
		Str("model", string(result.Model)).
		Float64("gamma", result.Gamma).
		Float64("meff", result.Meff).
		Msg("Kittel result exported")
	return nil
}
