package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// WriteTable persists a categorized table as one (field, "<f> GHz") column
// pair per frequency. Shorter sweeps are blank-padded.
func WriteTable(w io.Writer, t *models.CategorizedTable) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, 2*len(t.Frequencies))
	rows := 0
	for _, f := range t.Frequencies {
		label := models.FrequencyLabel(f) + " GHz"
		header = append(header, "Field ("+label+")", label)
		if s, ok := t.Sweep(f); ok && s.Len() > rows {
			rows = s.Len()
		}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write table header: %w", err)
	}

	rec := make([]string, len(header))
	for i := 0; i < rows; i++ {
		for j, f := range t.Frequencies {
			s, _ := t.Sweep(f)
			rec[2*j], rec[2*j+1] = "", ""
			if i < s.Len() {
				rec[2*j] = formatCell(s.Field[i])
				rec[2*j+1] = formatCell(s.Signal[i])
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write table row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTable reloads a table written by WriteTable. Blank padding is dropped.
func ReadTable(r io.Reader, sampleID string, temperature float64) (*models.CategorizedTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read table header: %w", err)
	}
	if len(header)%2 != 0 {
		return nil, fmt.Errorf("%w: table header has %d columns", models.ErrInvalidParameterRange, len(header))
	}

	n := len(header) / 2
	sweeps := make([]models.RawSweep, n)
	for j := 0; j < n; j++ {
		label := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(header[2*j+1]), "GHz"))
		f, err := strconv.ParseFloat(label, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad frequency header %q", models.ErrInvalidParameterRange, header[2*j+1])
		}
		sweeps[j] = models.RawSweep{Temperature: temperature, Frequency: f}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read table row: %w", err)
		}
		for j := range sweeps {
			if 2*j+1 >= len(rec) || (rec[2*j] == "" && rec[2*j+1] == "") {
				continue
			}
			sweeps[j].Field = append(sweeps[j].Field, parseCell(rec[2*j]))
			sweeps[j].Signal = append(sweeps[j].Signal, parseCell(rec[2*j+1]))
		}
	}

	var rng models.FrequencyRange
	if n > 0 {
		rng = models.FrequencyRange{Bottom: sweeps[0].Frequency, Top: sweeps[n-1].Frequency, Step: 1}
		if n > 1 {
			rng.Step = sweeps[1].Frequency - sweeps[0].Frequency
		}
	}
	table := models.NewCategorizedTable(sampleID, temperature, rng)
	for _, s := range sweeps {
		if err := table.Add(s); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseCell(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
