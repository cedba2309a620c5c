package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxPeaks is the largest peak count the lineshape model supports.
const MaxPeaks = 5

// FitKey identifies one exported peak fit.
type FitKey struct {
	SampleID    string  `json:"sample_id"`
	Temperature float64 `json:"temperature"`
	Frequency   float64 `json:"frequency"`
	PeakCount   int     `json:"peak_count"`
}

// PeakGuess seeds one peak. Nil Asymmetry and Symmetry are estimated from
// the data by a linear solve at the guessed positions.
type PeakGuess struct {
	ResonanceField float64  `json:"hr" yaml:"hr" doc:"Resonance field guess in Oe"`
	Linewidth      float64  `json:"hw" yaml:"hw" doc:"Half linewidth guess in Oe"`
	Asymmetry      *float64 `json:"a,omitempty" yaml:"a,omitempty"`
	Symmetry       *float64 `json:"s,omitempty" yaml:"s,omitempty"`
}

// PeakParams are the fitted values of one Lorentzian-derivative term.
type PeakParams struct {
	ResonanceField float64 `json:"hr" doc:"Resonance field in Oe"`
	Linewidth      float64 `json:"hw" doc:"Linewidth in Oe"`
	Asymmetry      float64 `json:"a" doc:"Antisymmetric amplitude"`
	Symmetry       float64 `json:"s" doc:"Symmetric amplitude"`
}

// PeakErrors are standard errors with the same layout as PeakParams.
type PeakErrors PeakParams

// Guess turns fitted values into a warm-start seed.
func (p PeakParams) Guess() PeakGuess {
	a, s := p.Asymmetry, p.Symmetry
	return PeakGuess{ResonanceField: p.ResonanceField, Linewidth: p.Linewidth, Asymmetry: &a, Symmetry: &s}
}

// FitResult is the outcome of a peak fit. A non-converged result is still
// returned alongside its error so callers can inspect or refit from it.
type FitResult struct {
	Key         FitKey       `json:"key"`
	Peaks       []PeakParams `json:"peaks"`
	Errors      []PeakErrors `json:"errors"`
	Offset      float64      `json:"offset"`
	OffsetError float64      `json:"offset_error"`
	BestFit     []float64    `json:"best_fit,omitempty"`
	Converged   bool         `json:"converged"`
	Iterations  int          `json:"iterations"`
	Cost        float64      `json:"cost"`
}

// Guesses returns warm-start seeds from a fit.
func (r *FitResult) Guesses() []PeakGuess {
	out := make([]PeakGuess, len(r.Peaks))
	for i, p := range r.Peaks {
		out[i] = p.Guess()
	}
	return out
}

// Records flattens the result into one ledger record per peak.
func (r *FitResult) Records() []FitRecord {
	out := make([]FitRecord, len(r.Peaks))
	for i := range r.Peaks {
		out[i] = FitRecord{
			FitKey:      r.Key,
			PeakIndex:   i,
			Params:      r.Peaks[i],
			Errors:      r.Errors[i],
			Offset:      r.Offset,
			OffsetError: r.OffsetError,
		}
	}
	return out
}

// FitRecord is one row block of the peak ledgers.
type FitRecord struct {
	FitKey
	PeakIndex   int        `json:"peak_index"`
	Params      PeakParams `json:"params"`
	Errors      PeakErrors `json:"errors"`
	Offset      float64    `json:"offset"`
	OffsetError float64    `json:"offset_error"`
}

// KittelModel selects the dispersion relation.
type KittelModel string

const (
	// ModelUniform is uniform precession with free gamma, M_eff and offset.
	ModelUniform KittelModel = "uniform"
	// ModelPSSW is the exchange-corrected standing spin wave with free A_ex and offset.
	ModelPSSW KittelModel = "pssw"
)

// KittelGuess seeds a dispersion fit. For ModelPSSW, Gamma and Meff are held
// fixed and ModeIndex and Thickness are required.
type KittelGuess struct {
	Gamma     float64 `json:"gamma" yaml:"gamma"`
	Meff      float64 `json:"meff" yaml:"meff"`
	Aex       float64 `json:"aex" yaml:"aex"`
	Offset    float64 `json:"offset" yaml:"offset"`
	ModeIndex int     `json:"mode_index" yaml:"mode_index"`
	Thickness float64 `json:"thickness" yaml:"thickness"`
}

// DefaultKittelGuess is a permalloy-like starting point in GHz, kOe units.
func DefaultKittelGuess() KittelGuess {
	return KittelGuess{Gamma: 2.8, Meff: 1.0}
}

// KittelPoint is one (resonance field, frequency) pair with its linewidth.
type KittelPoint struct {
	Field          float64 `json:"field"`
	FieldError     float64 `json:"field_error"`
	Frequency      float64 `json:"frequency"`
	Linewidth      float64 `json:"linewidth"`
	LinewidthError float64 `json:"linewidth_error"`
}

// KittelResult is one row of the summary ledger.
type KittelResult struct {
	ID          uuid.UUID   `json:"id"`
	SampleID    string      `json:"sample_id"`
	Temperature float64     `json:"temperature"`
	Band        int         `json:"band"`
	Model       KittelModel `json:"model"`
	Gamma       float64     `json:"gamma"`
	GammaError  float64     `json:"gamma_error"`
	Meff        float64     `json:"meff"`
	MeffError   float64     `json:"meff_error"`
	Aex         float64     `json:"aex,omitempty"`
	AexError    float64     `json:"aex_error,omitempty"`
	Offset      float64     `json:"offset"`
	OffsetError float64     `json:"offset_error"`
	ModeIndex   int         `json:"mode_index,omitempty"`
	Thickness   float64     `json:"thickness,omitempty"`
	Points      int         `json:"points"`
	Iterations  int         `json:"iterations"`
	Converged   bool        `json:"converged"`
	CreatedAt   time.Time   `json:"created_at"`
}

// LinewidthPoint is one entry of the linewidth-vs-frequency series.
type LinewidthPoint struct {
	Frequency      float64 `json:"frequency" doc:"Frequency in GHz"`
	Linewidth      float64 `json:"linewidth" doc:"Linewidth in Oe"`
	LinewidthError float64 `json:"linewidth_error" doc:"Linewidth standard error in Oe"`
}

// DampingResult is the linear Gilbert damping fit of linewidth vs frequency.
type DampingResult struct {
	Alpha                   float64 `json:"alpha"`
	AlphaError              float64 `json:"alpha_error"`
	InhomogeneousWidth      float64 `json:"inhomogeneous_width"`
	InhomogeneousWidthError float64 `json:"inhomogeneous_width_error"`
	Gamma                   float64 `json:"gamma"`
	Points                  int     `json:"points"`
}
