// Package aggregate collects the raw per-frequency sweeps of one temperature
// into a categorized table.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// ProgressFunc is called after each requested frequency, found or not.
type ProgressFunc func(done, total int, frequency float64)

// Aggregator reads raw sweeps below a data root.
type Aggregator struct {
	root   string
	layout Layout
}

// NewAggregator creates an aggregator over root.
func NewAggregator(root string, layout Layout) *Aggregator {
	if layout.Delimiter == 0 {
		layout.Delimiter = ','
	}
	if layout.Pattern == "" {
		layout.Pattern = DefaultLayout().Pattern
	}
	return &Aggregator{root: root, layout: layout}
}

// Collect loads every frequency of r for one temperature. A missing root is
// fatal. A missing or unreadable frequency file is logged and recorded in
// Skipped (unreadable ones also in Failed), and collection continues.
func (a *Aggregator) Collect(ctx context.Context, temperature float64, r models.FrequencyRange, sampleID string, progress ProgressFunc) (*models.CategorizedTable, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(a.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrMissingRoot, a.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrMissingRoot, a.root)
	}

	table := models.NewCategorizedTable(sampleID, temperature, r)
	freqs := r.Values()
	for i, f := range freqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sweep, err := a.load(sampleID, temperature, f)
		switch {
		case errors.Is(err, models.ErrMissingFile):
			log.Warn().
				Str("sample", sampleID).
				Float64("temperature", temperature).
				Float64("frequency", f).
				Msg("Raw sweep missing, skipping frequency")
			table.Skipped = append(table.Skipped, f)
		case err != nil:
			log.Warn().
				Err(err).
				Str("sample", sampleID).
				Float64("temperature", temperature).
				Float64("frequency", f).
				Msg("Raw sweep unreadable, skipping frequency")
			table.Skipped = append(table.Skipped, f)
			table.Failed = append(table.Failed, &models.FrequencyError{SampleID: sampleID, Temperature: temperature, Frequency: f, Err: err})
		default:
			if err := table.Add(sweep); err != nil {
				return nil, err
			}
		}

		if progress != nil {
			progress(i+1, len(freqs), f)
		}
	}

	log.Info().
		Str("sample", sampleID).
		Float64("temperature", temperature).
		Int("collected", len(table.Frequencies)).
		Int("skipped", len(table.Skipped)).
		Msg("Raw sweeps aggregated")
	return table, nil
}

func (a *Aggregator) load(sampleID string, temperature, frequency float64) (models.RawSweep, error) {
	rel := a.layout.Path(sampleID, models.FormatTemperature(temperature), models.FrequencyLabel(frequency))
	path := filepath.Join(a.root, filepath.FromSlash(rel))

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.RawSweep{}, fmt.Errorf("%w: %s", models.ErrMissingFile, path)
	}
	if err != nil {
		return models.RawSweep{}, fmt.Errorf("failed to open raw sweep: %w", err)
	}
	defer f.Close()

	field, signal, err := a.layout.ParseSweep(f)
	if err != nil {
		return models.RawSweep{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return models.RawSweep{Temperature: temperature, Frequency: frequency, Field: field, Signal: signal}, nil
}
