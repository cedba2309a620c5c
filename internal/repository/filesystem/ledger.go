// Package filesystem stores the fit ledgers as append-only CSV files under
// <root>/<sample>/<temperature>K/.
package filesystem

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

const (
	markerDir       = ".processed"
	completedMarker = "completed"
	blockWidth      = 5
)

var (
	uniformHeader = []string{"temperature", "gamma", "gamma_err", "meff", "meff_err", "offset", "offset_err", "band", "points", "id"}
	psswHeader    = []string{"temperature", "gamma", "meff", "aex", "aex_err", "offset", "offset_err", "mode", "thickness", "band", "points", "id"}
)

// Ledger implements repository.LedgerRepository on the local filesystem.
type Ledger struct {
	root string
}

// NewLedger creates a ledger rooted at root.
func NewLedger(root string) repository.LedgerRepository {
	return &Ledger{root: root}
}

func (l *Ledger) dir(sampleID string, temperature float64) string {
	return filepath.Join(l.root, sampleID, models.FormatTemperature(temperature)+"K")
}

func (l *Ledger) marker(key models.FitKey) string {
	name := fmt.Sprintf("%sGHz_%dpeak", models.FrequencyLabel(key.Frequency), key.PeakCount)
	return filepath.Join(l.dir(key.SampleID, key.Temperature), markerDir, name)
}

// AppendPeakFits appends one row to each of the two peak ledgers and writes
// the processed marker. Without overwrite an existing marker wins and nothing
// is written.
func (l *Ledger) AppendPeakFits(ctx context.Context, key models.FitKey, records []models.FitRecord, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) != key.PeakCount {
		return fmt.Errorf("%w: %d records for a %d-peak key", models.ErrInvalidParameterRange, len(records), key.PeakCount)
	}

	dir := l.dir(key.SampleID, key.Temperature)
	if err := os.MkdirAll(filepath.Join(dir, markerDir), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	marker := l.marker(key)
	flags := os.O_CREATE | os.O_WRONLY
	if !overwrite {
		flags |= os.O_EXCL
	}
	m, err := os.OpenFile(marker, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExported, filepath.Base(marker))
	}
	if err != nil {
		return fmt.Errorf("failed to create processed marker: %w", err)
	}
	m.Close()

	if key.PeakCount == 0 {
		return nil
	}

	records = append([]models.FitRecord(nil), records...)
	sort.Slice(records, func(i, j int) bool { return records[i].PeakIndex < records[j].PeakIndex })
	lw := make([]string, 0, blockWidth*len(records))
	as := make([]string, 0, blockWidth*len(records))
	f := models.FrequencyLabel(key.Frequency)
	for _, r := range records {
		lw = append(lw, num(r.Params.ResonanceField), num(r.Errors.ResonanceField), f, num(r.Params.Linewidth), num(r.Errors.Linewidth))
		as = append(as, f, num(r.Params.Asymmetry), num(r.Errors.Asymmetry), num(r.Params.Symmetry), num(r.Errors.Symmetry))
	}

	err = appendRow(filepath.Join(dir, linewidthFile(key.PeakCount)), peakHeader(key.PeakCount, "hr", "hr_err", "f", "dh", "dh_err"), lw)
	if err == nil {
		err = appendRow(filepath.Join(dir, asymmetryFile(key.PeakCount)), peakHeader(key.PeakCount, "f", "a", "a_err", "s", "s_err"), as)
	}
	if err != nil && !overwrite {
		os.Remove(marker)
	}
	return err
}

// IsProcessed reports whether the key's marker exists.
func (l *Ledger) IsProcessed(ctx context.Context, key models.FitKey) (bool, error) {
	return exists(l.marker(key))
}

// PeakFits reads both peak ledgers back, keeping the last row per frequency.
func (l *Ledger) PeakFits(ctx context.Context, sampleID string, temperature float64, peakCount int) ([]models.FitRecord, error) {
	if peakCount < 1 || peakCount > models.MaxPeaks {
		return nil, fmt.Errorf("%w: peak count %d", models.ErrInvalidParameterRange, peakCount)
	}
	dir := l.dir(sampleID, temperature)
	lwRows, err := readRecords(filepath.Join(dir, linewidthFile(peakCount)))
	if err != nil {
		return nil, err
	}
	asRows, err := readRecords(filepath.Join(dir, asymmetryFile(peakCount)))
	if err != nil {
		return nil, err
	}
	if len(lwRows) != len(asRows) {
		return nil, fmt.Errorf("%w: peak ledgers have %d and %d rows", models.ErrLedgerWriteConflict, len(lwRows), len(asRows))
	}

	latest := make(map[string][]models.FitRecord)
	for i := range lwRows {
		if len(lwRows[i]) != blockWidth*peakCount || len(asRows[i]) != blockWidth*peakCount {
			return nil, fmt.Errorf("%w: row %d has the wrong width", models.ErrLedgerWriteConflict, i+1)
		}
		lw, err := parseFloats(lwRows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse linewidth ledger: %w", err)
		}
		as, err := parseFloats(asRows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse asymmetry ledger: %w", err)
		}
		var recs []models.FitRecord
		for p := 0; p < peakCount; p++ {
			b := blockWidth * p
			key := models.FitKey{SampleID: sampleID, Temperature: temperature, Frequency: lw[b+2], PeakCount: peakCount}
			recs = append(recs, models.FitRecord{
				FitKey:    key,
				PeakIndex: p,
				Params: models.PeakParams{
					ResonanceField: lw[b], Linewidth: lw[b+3],
					Asymmetry: as[b+1], Symmetry: as[b+3],
				},
				Errors: models.PeakErrors{
					ResonanceField: lw[b+1], Linewidth: lw[b+4],
					Asymmetry: as[b+2], Symmetry: as[b+4],
				},
			})
		}
		latest[models.FrequencyLabel(lw[2])] = recs
	}

	var out []models.FitRecord
	for _, recs := range latest {
		out = append(out, recs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency < out[j].Frequency
		}
		return out[i].PeakIndex < out[j].PeakIndex
	})
	return out, nil
}

// AppendKittelResult appends to kittel_summary.csv or pssw_summary.csv.
func (l *Ledger) AppendKittelResult(ctx context.Context, r *models.KittelResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := l.dir(r.SampleID, r.Temperature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	t := models.FormatTemperature(r.Temperature)
	band, points := strconv.Itoa(r.Band), strconv.Itoa(r.Points)

	if r.Model == models.ModelPSSW {
		row := []string{t, num(r.Gamma), num(r.Meff), num(r.Aex), num(r.AexError), num(r.Offset), num(r.OffsetError),
			strconv.Itoa(r.ModeIndex), num(r.Thickness), band, points, r.ID.String()}
		return appendRow(filepath.Join(dir, "pssw_summary.csv"), psswHeader, row)
	}
	row := []string{t, num(r.Gamma), num(r.GammaError), num(r.Meff), num(r.MeffError), num(r.Offset), num(r.OffsetError),
		band, points, r.ID.String()}
	return appendRow(filepath.Join(dir, "kittel_summary.csv"), uniformHeader, row)
}

// KittelResults returns uniform rows followed by PSSW rows, in file order.
func (l *Ledger) KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error) {
	dir := l.dir(sampleID, temperature)
	var out []models.KittelResult

	for _, model := range []models.KittelModel{models.ModelUniform, models.ModelPSSW} {
		name, width := "kittel_summary.csv", len(uniformHeader)
		if model == models.ModelPSSW {
			name, width = "pssw_summary.csv", len(psswHeader)
		}
		records, err := readRecords(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for i, rec := range records {
			if len(rec) != width {
				return nil, fmt.Errorf("%w: %s row %d has %d columns", models.ErrLedgerWriteConflict, name, i+1, len(rec))
			}
			v, err := parseFloats(rec[:width-1])
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", name, err)
			}
			r := models.KittelResult{SampleID: sampleID, Temperature: v[0], Model: model, Converged: true}
			if model == models.ModelPSSW {
				r.Gamma, r.Meff, r.Aex, r.AexError = v[1], v[2], v[3], v[4]
				r.Offset, r.OffsetError = v[5], v[6]
				r.ModeIndex, r.Thickness, r.Band, r.Points = int(v[7]), v[8], int(v[9]), int(v[10])
			} else {
				r.Gamma, r.GammaError, r.Meff, r.MeffError = v[1], v[2], v[3], v[4]
				r.Offset, r.OffsetError = v[5], v[6]
				r.Band, r.Points = int(v[7]), int(v[8])
			}
			if id, err := uuid.Parse(rec[width-1]); err == nil {
				r.ID = id
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkCompleted writes the per-temperature marker. It is idempotent.
func (l *Ledger) MarkCompleted(ctx context.Context, sampleID string, temperature float64) error {
	dir := filepath.Join(l.dir(sampleID, temperature), markerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, completedMarker), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return f.Close()
}

// IsCompleted reports whether the per-temperature marker exists.
func (l *Ledger) IsCompleted(ctx context.Context, sampleID string, temperature float64) (bool, error) {
	return exists(filepath.Join(l.dir(sampleID, temperature), markerDir, completedMarker))
}

func linewidthFile(n int) string { return fmt.Sprintf("kittel_linewidth_%dpeak.csv", n) }
func asymmetryFile(n int) string { return fmt.Sprintf("asym_sym_%dpeak.csv", n) }

func peakHeader(n int, cols ...string) []string {
	out := make([]string, 0, n*len(cols))
	for p := 1; p <= n; p++ {
		for _, c := range cols {
			out = append(out, c+"_"+strconv.Itoa(p))
		}
	}
	return out
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// appendRow appends row to path, writing header first when the file is new.
// An existing header of a different width is a conflicting writer.
func appendRow(path string, header, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ledger: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	} else {
		existing, err := csv.NewReader(bufio.NewReader(f)).Read()
		if err != nil {
			return fmt.Errorf("failed to read ledger header: %w", err)
		}
		if len(existing) != len(header) {
			return fmt.Errorf("%w: %s has %d columns, row has %d", models.ErrLedgerWriteConflict, filepath.Base(path), len(existing), len(header))
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to append ledger row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func parseFloats(rec []string) ([]float64, error) {
	out := make([]float64, len(rec))
	for j, cell := range rec {
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, err
		}
		out[j] = v
	}
	return out, nil
}

func readRecords(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	var out [][]string
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
		if !first {
			out = append(out, rec)
		}
	}
}
