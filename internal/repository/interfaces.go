package repository

import (
	"context"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// LedgerRepository defines the append-only fit ledgers.
//
// Ledgers assume a single writer at a time per (sample, temperature); no
// locking is performed. A writer that finds a ledger in a shape it did not
// produce reports models.ErrLedgerWriteConflict.
type LedgerRepository interface {
	// AppendPeakFits appends one row per frequency to the resonance-field and
	// asymmetry ledgers and writes the processed marker for key. Without
	// overwrite, an already processed key returns models.ErrAlreadyExported
	// and nothing is written.
	AppendPeakFits(ctx context.Context, key models.FitKey, records []models.FitRecord, overwrite bool) error
	IsProcessed(ctx context.Context, key models.FitKey) (bool, error)
	// PeakFits returns the ledger rows for a peak count, last row per frequency.
	PeakFits(ctx context.Context, sampleID string, temperature float64, peakCount int) ([]models.FitRecord, error)

	AppendKittelResult(ctx context.Context, result *models.KittelResult) error
	KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error)

	MarkCompleted(ctx context.Context, sampleID string, temperature float64) error
	IsCompleted(ctx context.Context, sampleID string, temperature float64) (bool, error)
}
