package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// PostgresLedgerRepository implements LedgerRepository for PostgreSQL
type PostgresLedgerRepository struct {
	db *sql.DB
}

// NewPostgresLedgerRepository creates a new PostgreSQL ledger repository
func NewPostgresLedgerRepository(db *sql.DB) repository.LedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

// AppendPeakFits inserts the processed marker and the fit rows in one transaction
func (r *PostgresLedgerRepository) AppendPeakFits(ctx context.Context, key models.FitKey, records []models.FitRecord, overwrite bool) error {
	if len(records) != key.PeakCount {
		return fmt.Errorf("%w: %d records for a %d-peak key", models.ErrInvalidParameterRange, len(records), key.PeakCount)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	marker := `
		INSERT INTO processed_markers (sample_id, temperature, frequency, peak_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`

	res, err := tx.ExecContext(ctx, marker, key.SampleID, key.Temperature, key.Frequency, key.PeakCount)
	if err != nil {
		return fmt.Errorf("failed to write processed marker: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read marker result: %w", err)
	}
	if inserted == 0 && !overwrite {
		return fmt.Errorf("%w: %s GHz, %d peaks", models.ErrAlreadyExported, models.FrequencyLabel(key.Frequency), key.PeakCount)
	}

	query := `
		INSERT INTO fit_records (id, sample_id, temperature, frequency, peak_count, peak_index,
			resonance_field, resonance_field_error, linewidth, linewidth_error,
			asymmetry, asymmetry_error, symmetry, symmetry_error, offset_value, offset_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	for _, rec := range records {
		_, err := tx.ExecContext(ctx, query,
			uuid.New(),
			key.SampleID,
			key.Temperature,
			key.Frequency,
			key.PeakCount,
			rec.PeakIndex,
			rec.Params.ResonanceField,
			rec.Errors.ResonanceField,
			rec.Params.Linewidth,
			rec.Errors.Linewidth,
			rec.Params.Asymmetry,
			rec.Errors.Asymmetry,
			rec.Params.Symmetry,
			rec.Errors.Symmetry,
			rec.Offset,
			rec.OffsetError)
		if err != nil {
			return fmt.Errorf("failed to insert fit record: %w", err)
		}
	}

	return tx.Commit()
}

// IsProcessed checks the processed marker for a key
func (r *PostgresLedgerRepository) IsProcessed(ctx context.Context, key models.FitKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM processed_markers
			WHERE sample_id = $1 AND temperature = $2 AND frequency = $3 AND peak_count = $4)`

	var ok bool
	err := r.db.QueryRowContext(ctx, query, key.SampleID, key.Temperature, key.Frequency, key.PeakCount).Scan(&ok)
	return ok, err
}

// PeakFits returns the latest row per (frequency, peak index)
func (r *PostgresLedgerRepository) PeakFits(ctx context.Context, sampleID string, temperature float64, peakCount int) ([]models.FitRecord, error) {
	if peakCount < 1 || peakCount > models.MaxPeaks {
		return nil, fmt.Errorf("%w: peak count %d", models.ErrInvalidParameterRange, peakCount)
	}
	query := `
		SELECT DISTINCT ON (frequency, peak_index)
			frequency, peak_index,
			resonance_field, resonance_field_error, linewidth, linewidth_error,
			asymmetry, asymmetry_error, symmetry, symmetry_error, offset_value, offset_error
		FROM fit_records
		WHERE sample_id = $1 AND temperature = $2 AND peak_count = $3
		ORDER BY frequency, peak_index, seq DESC`

	rows, err := r.db.QueryContext(ctx, query, sampleID, temperature, peakCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.FitRecord
	for rows.Next() {
		rec := models.FitRecord{FitKey: models.FitKey{SampleID: sampleID, Temperature: temperature, PeakCount: peakCount}}
		err := rows.Scan(
			&rec.Frequency,
			&rec.PeakIndex,
			&rec.Params.ResonanceField,
			&rec.Errors.ResonanceField,
			&rec.Params.Linewidth,
			&rec.Errors.Linewidth,
			&rec.Params.Asymmetry,
			&rec.Errors.Asymmetry,
			&rec.Params.Symmetry,
			&rec.Errors.Symmetry,
			&rec.Offset,
			&rec.OffsetError)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// AppendKittelResult inserts one summary row
func (r *PostgresLedgerRepository) AppendKittelResult(ctx context.Context, result *models.KittelResult) error {
	query := `
		INSERT INTO kittel_results (id, sample_id, temperature, band, model, gamma, gamma_error, meff, meff_error,
			aex, aex_error, offset_value, offset_error, mode_index, thickness, points, iterations, converged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := r.db.ExecContext(ctx, query,
		result.ID,
		result.SampleID,
		result.Temperature,
		result.Band,
		string(result.Model),
		result.Gamma,
		result.GammaError,
		result.Meff,
		result.MeffError,
		result.Aex,
		result.AexError,
		result.Offset,
		result.OffsetError,
		result.ModeIndex,
		result.Thickness,
		result.Points,
		result.Iterations,
		result.Converged,
		result.CreatedAt)

	return err
}

// KittelResults returns summary rows in insertion order
func (r *PostgresLedgerRepository) KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error) {
	query := `
		SELECT id, sample_id, temperature, band, model, gamma, gamma_error, meff, meff_error,
			aex, aex_error, offset_value, offset_error, mode_index, thickness, points, iterations, converged, created_at
		FROM kittel_results
		WHERE sample_id = $1 AND temperature = $2
		ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, sampleID, temperature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.KittelResult
	for rows.Next() {
		var res models.KittelResult
		var model string
		err := rows.Scan(
			&res.ID,
			&res.SampleID,
			&res.Temperature,
			&res.Band,
			&model,
			&res.Gamma,
			&res.GammaError,
			&res.Meff,
			&res.MeffError,
			&res.Aex,
			&res.AexError,
			&res.Offset,
			&res.OffsetError,
			&res.ModeIndex,
			&res.Thickness,
			&res.Points,
			&res.Iterations,
			&res.Converged,
			&res.CreatedAt)
		if err != nil {
			return nil, err
		}
		res.Model = models.KittelModel(model)
		results = append(results, res)
	}

	return results, rows.Err()
}

// MarkCompleted records that a temperature finished
func (r *PostgresLedgerRepository) MarkCompleted(ctx context.Context, sampleID string, temperature float64) error {
	query := `
		INSERT INTO completed_markers (sample_id, temperature)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, sampleID, temperature)
	return err
}

// IsCompleted checks the completion marker for a temperature
func (r *PostgresLedgerRepository) IsCompleted(ctx context.Context, sampleID string, temperature float64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM completed_markers
			WHERE sample_id = $1 AND temperature = $2)`

	var ok bool
	err := r.db.QueryRowContext(ctx, query, sampleID, temperature).Scan(&ok)
	return ok, err
}
