package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRoot is fatal: the raw data root for a collection does not exist.
	ErrMissingRoot = errors.New("raw data root missing")
	// ErrMissingFile is recoverable: one frequency's raw file is absent.
	ErrMissingFile = errors.New("raw sweep file missing")
	// ErrInsufficientData is recoverable per frequency: fewer than two usable points.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNonConvergence is returned when the peak solver hits its iteration cap.
	ErrNonConvergence = errors.New("peak fit did not converge")
	// ErrFitDidNotConverge is returned when the dispersion solver hits its iteration cap.
	ErrFitDidNotConverge = errors.New("kittel fit did not converge")
	// ErrInvalidParameterRange is an input validation failure reported before any fit attempt.
	ErrInvalidParameterRange = errors.New("invalid parameter range")
	// ErrLedgerWriteConflict means a ledger was modified by another writer. Fatal.
	ErrLedgerWriteConflict = errors.New("ledger write conflict")
	// ErrAlreadyExported is returned when a fit key already carries a processed marker.
	ErrAlreadyExported = errors.New("fit already exported")
	// ErrInvalidTransition is returned when a pipeline stage is invoked out of order.
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	// ErrNoArtifactStore is returned when an artifact is requested and no store is configured.
	ErrNoArtifactStore = errors.New("no artifact store configured")
)

// FrequencyError ties a recoverable per-frequency failure to its coordinates.
type FrequencyError struct {
	SampleID    string
	Temperature float64
	Frequency   float64
	Err         error
}

func (e *FrequencyError) Error() string {
	return fmt.Sprintf("sample %s T=%sK f=%sGHz: %v", e.SampleID, FormatTemperature(e.Temperature), FrequencyLabel(e.Frequency), e.Err)
}

func (e *FrequencyError) Unwrap() error { return e.Err }

// FitError is a structured solver failure. Band is -1 for peak fits.
type FitError struct {
	SampleID    string
	Temperature float64
	Frequency   float64
	Band        int
	Iterations  int
	Err         error
}

func (e *FitError) Error() string {
	if e.Band >= 0 {
		return fmt.Sprintf("sample %s T=%sK band %d: %v after %d iterations", e.SampleID, FormatTemperature(e.Temperature), e.Band, e.Err, e.Iterations)
	}
	return fmt.Sprintf("sample %s T=%sK f=%sGHz: %v after %d iterations", e.SampleID, FormatTemperature(e.Temperature), FrequencyLabel(e.Frequency), e.Err, e.Iterations)
}

func (e *FitError) Unwrap() error { return e.Err }

// Recoverable reports whether err should skip a unit instead of aborting a batch.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMissingFile) ||
		errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrNonConvergence) ||
		errors.Is(err, ErrFitDidNotConverge) ||
		errors.Is(err, ErrAlreadyExported)
}
