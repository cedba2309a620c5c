package models

import (
	"fmt"
	"math"
	"strconv"
)

// RawSweep is one field sweep loaded from a raw measurement file.
type RawSweep struct {
	Temperature float64   `json:"temperature" doc:"Temperature in K"`
	Frequency   float64   `json:"frequency" doc:"Excitation frequency in GHz"`
	Field       []float64 `json:"field" doc:"Applied field in Oe"`
	Signal      []float64 `json:"signal" doc:"Detected signal in a.u."`
}

// Len returns the number of rows in the sweep.
func (s RawSweep) Len() int {
	return len(s.Field)
}

// FrequencyRange is an inclusive, evenly stepped frequency list in GHz.
type FrequencyRange struct {
	Bottom float64 `json:"bottom" yaml:"bottom" doc:"Lowest frequency in GHz"`
	Top    float64 `json:"top" yaml:"top" doc:"Highest frequency in GHz"`
	Step   float64 `json:"step" yaml:"step" doc:"Frequency step in GHz"`
}

// Validate checks the range before any file is touched.
func (r FrequencyRange) Validate() error {
	if r.Step <= 0 || math.IsNaN(r.Step) {
		return fmt.Errorf("%w: frequency step %v must be positive", ErrInvalidParameterRange, r.Step)
	}
	if r.Bottom <= 0 || r.Top < r.Bottom {
		return fmt.Errorf("%w: frequency range [%v, %v]", ErrInvalidParameterRange, r.Bottom, r.Top)
	}
	return nil
}

// Values expands the range. Values are computed from the index, not by
// accumulation, and rounded to 1e-9 GHz.
func (r FrequencyRange) Values() []float64 {
	if r.Validate() != nil {
		return nil
	}
	n := int(math.Floor((r.Top-r.Bottom)/r.Step+1e-9)) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, roundFrequency(r.Bottom+float64(i)*r.Step))
	}
	return out
}

// Index returns the position of f on the range grid, or -1.
func (r FrequencyRange) Index(f float64) int {
	for i, v := range r.Values() {
		if math.Abs(v-f) < 1e-9 {
			return i
		}
	}
	return -1
}

func roundFrequency(f float64) float64 {
	return math.Round(f*1e9) / 1e9
}

// FrequencyLabel is the canonical text form of a frequency, used in file
// names, column headers, and map keys.
func FrequencyLabel(f float64) string {
	return strconv.FormatFloat(roundFrequency(f), 'f', -1, 64)
}

// FormatTemperature is the canonical text form of a temperature.
func FormatTemperature(t float64) string {
	return strconv.FormatFloat(math.Round(t*1e6)/1e6, 'f', -1, 64)
}

// CategorizedTable holds every sweep collected for one (sample, temperature).
type CategorizedTable struct {
	SampleID    string              `json:"sample_id"`
	Temperature float64             `json:"temperature"`
	Range       FrequencyRange      `json:"range"`
	Frequencies []float64           `json:"frequencies" doc:"Collected frequencies, strictly increasing"`
	Sweeps      map[string]RawSweep `json:"sweeps"`
	Skipped     []float64           `json:"skipped,omitempty" doc:"Requested frequencies that were missing or unreadable"`
	Failed      []*FrequencyError   `json:"-"`
}

// NewCategorizedTable creates an empty table for one temperature.
func NewCategorizedTable(sampleID string, temperature float64, r FrequencyRange) *CategorizedTable {
	return &CategorizedTable{
		SampleID:    sampleID,
		Temperature: temperature,
		Range:       r,
		Sweeps:      make(map[string]RawSweep),
	}
}

// Add stores a sweep. Frequencies must be added in increasing order.
func (t *CategorizedTable) Add(s RawSweep) error {
	if n := len(t.Frequencies); n > 0 && s.Frequency <= t.Frequencies[n-1] {
		return fmt.Errorf("%w: frequency %s GHz not above %s GHz", ErrInvalidParameterRange, FrequencyLabel(s.Frequency), FrequencyLabel(t.Frequencies[n-1]))
	}
	t.Frequencies = append(t.Frequencies, s.Frequency)
	t.Sweeps[FrequencyLabel(s.Frequency)] = s
	return nil
}

// Sweep returns the sweep for a frequency.
func (t *CategorizedTable) Sweep(f float64) (RawSweep, bool) {
	s, ok := t.Sweeps[FrequencyLabel(f)]
	return s, ok
}
