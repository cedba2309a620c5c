package interpolate

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// WriteMatrix writes a frequency x field matrix as a headerless CSV with one
// row per field sample and one column per frequency.
func WriteMatrix(w io.Writer, m mat.Matrix) error {
	cw := csv.NewWriter(w)
	rows, cols := m.Dims()
	rec := make([]string, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			rec[i] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write matrix row %d: %w", j, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAxis writes one value per line.
func WriteAxis(w io.Writer, values []float64) error {
	bw := bufio.NewWriter(w)
	for _, v := range values {
		if _, err := bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadAxis reads a file written by WriteAxis.
func ReadAxis(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse axis value %q: %w", line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// ReadGrid reloads a grid from its matrix and the two axis files.
func ReadGrid(matrix, field, frequencies io.Reader, sampleID string, temperature float64) (*models.InterpolatedGrid, error) {
	fieldAxis, err := ReadAxis(field)
	if err != nil {
		return nil, err
	}
	freqAxis, err := ReadAxis(frequencies)
	if err != nil {
		return nil, err
	}
	if len(fieldAxis) == 0 || len(freqAxis) == 0 {
		return nil, fmt.Errorf("%w: empty grid axis", models.ErrInsufficientData)
	}

	signal := mat.NewDense(len(freqAxis), len(fieldAxis), nil)
	cr := csv.NewReader(matrix)
	cr.FieldsPerRecord = len(freqAxis)
	for i := 0; ; i++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			if i != len(fieldAxis) {
				return nil, fmt.Errorf("%w: matrix has %d rows, field axis %d", models.ErrInvalidParameterRange, i, len(fieldAxis))
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read matrix row %d: %w", i, err)
		}
		if i >= len(fieldAxis) {
			return nil, fmt.Errorf("%w: matrix longer than field axis", models.ErrInvalidParameterRange)
		}
		for j, cell := range rec {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse matrix cell (%d, %d): %w", i, j, err)
			}
			signal.Set(j, i, v)
		}
	}

	return &models.InterpolatedGrid{
		SampleID:    sampleID,
		Temperature: temperature,
		Field:       fieldAxis,
		Frequencies: freqAxis,
		Signal:      signal,
	}, nil
}
