// Package pipeline drives one temperature of FMR data through aggregation,
// interpolation, peak fitting and export as an explicit state machine, and
// runs batches of temperatures on top of it.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/aggregate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/interpolate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/peakfit"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// State is the temperature-level pipeline stage.
type State int

const (
	StateAggregate State = iota
	StateInterpolate
	StateSelectPeakCount
	StateFit
	StateExport
	StateNextFrequency
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateAggregate:
		return "aggregate"
	case StateInterpolate:
		return "interpolate"
	case StateSelectPeakCount:
		return "select_peak_count"
	case StateFit:
		return "fit"
	case StateExport:
		return "export"
	case StateNextFrequency:
		return "next_frequency"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrequencyState tracks the current frequency.
type FrequencyState int

const (
	FrequencyInitialized FrequencyState = iota
	FrequencyPeakCountChosen
	FrequencyFitted
	FrequencyExported
)

func (s FrequencyState) String() string {
	switch s {
	case FrequencyInitialized:
		return "initialized"
	case FrequencyPeakCountChosen:
		return "peak_count_chosen"
	case FrequencyFitted:
		return "fitted"
	case FrequencyExported:
		return "exported"
	default:
		return fmt.Sprintf("frequency_state(%d)", int(s))
	}
}

// PipelineContext is the cursor of one temperature run. Stages take it by
// value and return the successor; the machine keeps no cursor of its own.
type PipelineContext struct {
	SampleID       string
	Temperature    float64
	Range          models.FrequencyRange
	State          State
	FrequencyState FrequencyState

	Table       *models.CategorizedTable
	Grid        *models.InterpolatedGrid
	Frequencies []float64
	Index       int

	PeakCount int
	Guesses   []models.PeakGuess
	Current   *models.FitResult
	LastFit   *models.FitResult

	Exported []float64
	Skipped  []float64
}

// NewContext starts a run for one temperature.
func NewContext(sampleID string, temperature float64, r models.FrequencyRange) PipelineContext {
	return PipelineContext{SampleID: sampleID, Temperature: temperature, Range: r, State: StateAggregate}
}

// Frequency returns the current frequency, or zero outside the fit loop.
func (pc PipelineContext) Frequency() float64 {
	if pc.Index < 0 || pc.Index >= len(pc.Frequencies) {
		return 0
	}
	return pc.Frequencies[pc.Index]
}

func (pc PipelineContext) key() models.FitKey {
	return models.FitKey{SampleID: pc.SampleID, Temperature: pc.Temperature, Frequency: pc.Frequency(), PeakCount: pc.PeakCount}
}

func (pc PipelineContext) expect(op string, states ...State) error {
	for _, s := range states {
		if pc.State == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", models.ErrInvalidTransition, op, pc.State)
}

// Machine holds the stage collaborators.
type Machine struct {
	aggregator *aggregate.Aggregator
	engine     *peakfit.Engine
	exporter   *peakfit.Exporter
	overwrite  bool
}

// NewMachine creates a state machine. With overwrite set, Export appends a
// superseding ledger row for already processed keys.
func NewMachine(aggregator *aggregate.Aggregator, engine *peakfit.Engine, exporter *peakfit.Exporter, overwrite bool) *Machine {
	return &Machine{aggregator: aggregator, engine: engine, exporter: exporter, overwrite: overwrite}
}

// Aggregate collects the raw sweeps.
func (m *Machine) Aggregate(ctx context.Context, pc PipelineContext, progress aggregate.ProgressFunc) (PipelineContext, error) {
	if err := pc.expect("aggregate", StateAggregate); err != nil {
		return pc, err
	}
	table, err := m.aggregator.Collect(ctx, pc.Temperature, pc.Range, pc.SampleID, progress)
	if err != nil {
		return pc, err
	}
	pc.Table = table
	pc.Skipped = append(pc.Skipped, table.Skipped...)
	pc.State = StateInterpolate
	return pc, nil
}

// UseTable enters interpolation with an already categorized table.
func (m *Machine) UseTable(pc PipelineContext, table *models.CategorizedTable) (PipelineContext, error) {
	if err := pc.expect("use table", StateAggregate); err != nil {
		return pc, err
	}
	pc.Table = table
	pc.Skipped = append(pc.Skipped, table.Skipped...)
	pc.State = StateInterpolate
	return pc, nil
}

// Interpolate builds the grid. Frequencies that cannot be interpolated are
// skipped.
func (m *Machine) Interpolate(pc PipelineContext) (PipelineContext, error) {
	if err := pc.expect("interpolate", StateInterpolate); err != nil {
		return pc, err
	}
	grid, failed, err := interpolate.Interpolate(pc.Table)
	if err != nil {
		return pc, err
	}
	for _, f := range failed {
		pc.Skipped = append(pc.Skipped, f.Frequency)
	}
	return pc.withGrid(grid), nil
}

// UseGrid enters the fit loop with an already interpolated grid.
func (m *Machine) UseGrid(pc PipelineContext, grid *models.InterpolatedGrid) (PipelineContext, error) {
	if err := pc.expect("use grid", StateAggregate, StateInterpolate); err != nil {
		return pc, err
	}
	return pc.withGrid(grid), nil
}

func (pc PipelineContext) withGrid(grid *models.InterpolatedGrid) PipelineContext {
	pc.Grid = grid
	pc.Frequencies = append([]float64(nil), grid.Frequencies...)
	pc.Index = 0
	pc.FrequencyState = FrequencyInitialized
	pc.State = StateSelectPeakCount
	if len(pc.Frequencies) == 0 {
		pc.State = StateCompleted
	}
	return pc
}

// SelectPeakCount chooses the model for the current frequency. It may be
// called again until the frequency is exported. Nil guesses warm-start from
// the last successful fit when its peak count matches.
func (m *Machine) SelectPeakCount(pc PipelineContext, peakCount int, guesses []models.PeakGuess) (PipelineContext, error) {
	if err := pc.expect("select peak count", StateSelectPeakCount, StateFit, StateExport); err != nil {
		return pc, err
	}
	if peakCount < 0 || peakCount > models.MaxPeaks {
		return pc, fmt.Errorf("%w: peak count %d", models.ErrInvalidParameterRange, peakCount)
	}
	warm := guesses == nil && pc.LastFit != nil && len(pc.LastFit.Peaks) == peakCount
	if !warm && len(guesses) != peakCount {
		return pc, fmt.Errorf("%w: %d guesses for %d peaks", models.ErrInvalidParameterRange, len(guesses), peakCount)
	}
	pc.PeakCount = peakCount
	pc.Guesses = guesses
	pc.Current = nil
	pc.FrequencyState = FrequencyPeakCountChosen
	pc.State = StateFit
	return pc, nil
}

// Fit fits the current frequency's column of the grid.
func (m *Machine) Fit(pc PipelineContext) (PipelineContext, error) {
	if err := pc.expect("fit", StateFit); err != nil {
		return pc, err
	}
	if pc.FrequencyState != FrequencyPeakCountChosen {
		return pc, fmt.Errorf("%w: fit with frequency %s", models.ErrInvalidTransition, pc.FrequencyState)
	}
	y, err := pc.Grid.Column(pc.Frequency())
	if err != nil {
		return pc, err
	}

	var res *models.FitResult
	if pc.Guesses == nil && pc.LastFit != nil {
		res, err = m.engine.Refit(pc.key(), pc.Grid.Field, y, pc.LastFit, nil)
	} else {
		res, err = m.engine.Fit(pc.key(), pc.Grid.Field, y, pc.Guesses)
	}
	return m.Record(pc, res, err)
}

// Refit retries the current frequency from its last attempt, or from new
// guesses when given.
func (m *Machine) Refit(pc PipelineContext, guesses []models.PeakGuess) (PipelineContext, error) {
	if err := pc.expect("refit", StateFit, StateExport); err != nil {
		return pc, err
	}
	if pc.FrequencyState != FrequencyFitted || pc.Current == nil {
		return pc, fmt.Errorf("%w: refit before a fit", models.ErrInvalidTransition)
	}
	y, err := pc.Grid.Column(pc.Frequency())
	if err != nil {
		return pc, err
	}
	res, err := m.engine.Refit(pc.key(), pc.Grid.Field, y, pc.Current, guesses)
	return m.Record(pc, res, err)
}

// Record applies a fit outcome computed for the current frequency. A
// non-converged result stays in StateFit so the caller can refit, choose
// another peak count or skip.
func (m *Machine) Record(pc PipelineContext, res *models.FitResult, fitErr error) (PipelineContext, error) {
	if err := pc.expect("record fit", StateFit, StateExport); err != nil {
		return pc, err
	}
	if res == nil {
		return pc, fitErr
	}
	if res.Key != pc.key() {
		return pc, fmt.Errorf("%w: fit for %s GHz recorded at %s GHz", models.ErrInvalidTransition,
			models.FrequencyLabel(res.Key.Frequency), models.FrequencyLabel(pc.Frequency()))
	}
	pc.Current = res
	pc.FrequencyState = FrequencyFitted
	if fitErr != nil || !res.Converged {
		pc.State = StateFit
		if fitErr == nil {
			fitErr = &models.FitError{SampleID: pc.SampleID, Temperature: pc.Temperature, Frequency: pc.Frequency(), Band: -1, Iterations: res.Iterations, Err: models.ErrNonConvergence}
		}
		return pc, fitErr
	}
	pc.State = StateExport
	return pc, nil
}

// Export writes the current fit to the ledgers. An already exported key
// advances the cursor and returns models.ErrAlreadyExported.
func (m *Machine) Export(ctx context.Context, pc PipelineContext) (PipelineContext, error) {
	if err := pc.expect("export", StateExport); err != nil {
		return pc, err
	}
	err := m.exporter.Export(ctx, pc.Current, m.overwrite)
	switch {
	case errors.Is(err, models.ErrAlreadyExported):
		pc.Skipped = append(pc.Skipped, pc.Frequency())
		pc.LastFit = pc.Current
		pc.State = StateNextFrequency
		return pc, err
	case err != nil:
		return pc, err
	}
	pc.FrequencyState = FrequencyExported
	pc.Exported = append(pc.Exported, pc.Frequency())
	pc.LastFit = pc.Current
	pc.State = StateNextFrequency
	return pc, nil
}

// Skip abandons the current frequency without exporting it.
func (m *Machine) Skip(pc PipelineContext, reason error) (PipelineContext, error) {
	if err := pc.expect("skip", StateSelectPeakCount, StateFit, StateExport); err != nil {
		return pc, err
	}
	log.Warn().
		Err(reason).
		Str("sample", pc.SampleID).
		Float64("temperature", pc.Temperature).
		Float64("frequency", pc.Frequency()).
		Msg("Skipping frequency")
	pc.Skipped = append(pc.Skipped, pc.Frequency())
	pc.State = StateNextFrequency
	return pc, nil
}

// Next advances to the following frequency, or to StateCompleted.
func (m *Machine) Next(pc PipelineContext) (PipelineContext, error) {
	if err := pc.expect("next frequency", StateNextFrequency); err != nil {
		return pc, err
	}
	pc.Index++
	pc.Current = nil
	pc.Guesses = nil
	pc.FrequencyState = FrequencyInitialized
	if pc.Index >= len(pc.Frequencies) {
		pc.State = StateCompleted
		return pc, nil
	}
	pc.State = StateSelectPeakCount
	return pc, nil
}
