package aggregate

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Layout describes the vendor-fixed raw sweep format.
type Layout struct {
	// Pattern is relative to the data root. {sample}, {temperature} and
	// {frequency} are substituted.
	Pattern      string
	HeaderLines  int
	Delimiter    rune
	FieldColumn  int
	SignalColumn int
}

// DefaultLayout matches the instrument export used in the lab.
func DefaultLayout() Layout {
	return Layout{
		Pattern:      "{sample}/{temperature}K/{frequency}GHz.csv",
		HeaderLines:  1,
		Delimiter:    ',',
		FieldColumn:  0,
		SignalColumn: 1,
	}
}

// Path resolves the pattern for one file, relative to the data root.
func (l Layout) Path(sampleID, temperature, frequency string) string {
	r := strings.NewReplacer("{sample}", sampleID, "{temperature}", temperature, "{frequency}", frequency)
	return r.Replace(l.Pattern)
}

// ParseSweep reads the field and signal columns of one raw file. Cells that
// do not parse become NaN; rows without any parseable value are dropped.
func (l Layout) ParseSweep(r io.Reader) (field, signal []float64, err error) {
	br := bufio.NewReader(r)
	for i := 0; i < l.HeaderLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("failed to skip header: %w", err)
		}
	}

	cr := csv.NewReader(br)
	cr.Comma = l.Delimiter
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read sweep row: %w", err)
		}
		h, s := cell(rec, l.FieldColumn), cell(rec, l.SignalColumn)
		if math.IsNaN(h) && math.IsNaN(s) {
			continue
		}
		field = append(field, h)
		signal = append(signal, s)
	}
	return field, signal, nil
}

func cell(rec []string, i int) float64 {
	if i < 0 || i >= len(rec) {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
