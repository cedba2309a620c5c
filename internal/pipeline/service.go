package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/aggregate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/baseline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/interpolate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/kittel"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/linewidth"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/peakfit"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/storage"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// KittelOptions configures the per-band dispersion fits. Every band gets a
// uniform fit; bands listed in PSSW additionally get a standing spin wave fit.
type KittelOptions struct {
	Uniform models.KittelGuess
	PSSW    map[int]models.KittelGuess
}

// Progress is one pipeline progress event.
type Progress struct {
	Stage     State
	Done      int
	Total     int
	Frequency float64
}

// ProgressFunc receives progress events of one temperature.
type ProgressFunc func(Progress)

// RunRequest describes one temperature run. A zero Range uses the service
// default. Force reruns a completed temperature and supersedes its rows.
type RunRequest struct {
	SampleID    string
	Temperature float64
	Range       models.FrequencyRange
	PeakCount   int
	Guesses     GuessProvider
	Kittel      KittelOptions
	Force       bool
	Overwrite   bool
	Progress    ProgressFunc
}

// Service runs the FMR pipeline.
type Service interface {
	RunTemperature(ctx context.Context, req RunRequest) (*models.RunReport, error)
	RunBatch(ctx context.Context, batch BatchRequest, progress BatchProgressFunc) (*BatchReport, error)
	Grid(ctx context.Context, sampleID string, temperature float64) (*models.InterpolatedGrid, error)
	Heatmap(ctx context.Context, sampleID string, temperature float64) (*baseline.Heatmap, error)
	Linewidth(ctx context.Context, sampleID string, temperature float64, peakCount, band int) (*models.LinewidthReport, error)
	KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error)
	ArtifactURL(ctx context.Context, sampleID string, temperature float64, name string) (string, error)
}

// Options wires a Service. Store and OutputRoot are optional.
type Options struct {
	Aggregator     *aggregate.Aggregator
	Peaks          *peakfit.Engine
	Kittel         *kittel.Engine
	Ledger         repository.LedgerRepository
	Store          storage.ArtifactStore
	OutputRoot     string
	Baseline       baseline.Window
	Range          models.FrequencyRange
	FitConcurrency int
}

type pipelineService struct {
	opts      Options
	peaks     *peakfit.Exporter
	kittel    *kittel.Exporter
	corrector baseline.Corrector

	mu    sync.Mutex
	grids map[string]*models.InterpolatedGrid
}

// NewService creates a pipeline service.
func NewService(opts Options) Service {
	if opts.FitConcurrency < 1 {
		opts.FitConcurrency = 1
	}
	if opts.Baseline == (baseline.Window{}) {
		opts.Baseline = baseline.DefaultWindow()
	}
	return &pipelineService{
		opts:      opts,
		peaks:     peakfit.NewExporter(opts.Ledger),
		kittel:    kittel.NewExporter(opts.Ledger),
		corrector: baseline.Corrector{Window: opts.Baseline},
		grids:     make(map[string]*models.InterpolatedGrid),
	}
}

func gridKey(sampleID string, temperature float64) string {
	return sampleID + "|" + models.FormatTemperature(temperature)
}

// RunTemperature drives one temperature through every stage. Recoverable
// per-frequency and per-band failures are collected in the report; fatal
// ones abort the run.
func (s *pipelineService) RunTemperature(ctx context.Context, req RunRequest) (*models.RunReport, error) {
	if req.Range == (models.FrequencyRange{}) {
		req.Range = s.opts.Range
	}
	if req.PeakCount < 0 || req.PeakCount > models.MaxPeaks {
		return nil, fmt.Errorf("%w: peak count %d", models.ErrInvalidParameterRange, req.PeakCount)
	}
	if req.Kittel.Uniform == (models.KittelGuess{}) {
		req.Kittel.Uniform = models.DefaultKittelGuess()
	}
	report := &models.RunReport{SampleID: req.SampleID, Temperature: req.Temperature}
	emit := func(p Progress) {
		if req.Progress != nil {
			req.Progress(p)
		}
	}

	// Step 1: Skip completed temperatures
	done, err := s.opts.Ledger.IsCompleted(ctx, req.SampleID, req.Temperature)
	if err != nil {
		return nil, fmt.Errorf("failed to check completion: %w", err)
	}
	if done && !req.Force {
		log.Info().
			Str("sample", req.SampleID).
			Float64("temperature", req.Temperature).
			Msg("Temperature already completed, skipping")
		report.AlreadyDone = true
		return report, nil
	}

	machine := NewMachine(s.opts.Aggregator, s.opts.Peaks, s.peaks, req.Overwrite || req.Force)
	pc := NewContext(req.SampleID, req.Temperature, req.Range)

	// Step 2: Aggregate raw sweeps
	pc, err = machine.Aggregate(ctx, pc, func(done, total int, f float64) {
		emit(Progress{Stage: StateAggregate, Done: done, Total: total, Frequency: f})
	})
	if err != nil {
		return nil, err
	}
	for _, ferr := range pc.Table.Failed {
		report.Fail(ferr)
	}

	// Step 3: Interpolate onto the shared field axis
	pc, err = machine.Interpolate(pc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.grids[gridKey(req.SampleID, req.Temperature)] = pc.Grid
	s.mu.Unlock()

	// Step 4: Fit and export every frequency
	pc, err = s.fitAll(ctx, machine, pc, req, report, emit)
	if err != nil {
		return nil, err
	}
	report.Exported = pc.Exported
	report.Skipped = pc.Skipped

	// Step 5: Dispersion fits per band
	if err := s.fitKittel(ctx, req, report); err != nil {
		return nil, err
	}

	// Step 6: Persist artifacts; a failure leaves the temperature incomplete
	if s.opts.OutputRoot != "" {
		if err := s.persist(ctx, pc, report); err != nil {
			return nil, err
		}
	}

	// Step 7: Mark complete
	if err := s.opts.Ledger.MarkCompleted(ctx, req.SampleID, req.Temperature); err != nil {
		return nil, fmt.Errorf("failed to mark temperature completed: %w", err)
	}
	emit(Progress{Stage: StateCompleted, Done: len(pc.Frequencies), Total: len(pc.Frequencies)})

	// Step 8: Publish artifacts
	if s.opts.Store != nil {
		if err := s.publish(ctx, pc, report); err != nil {
			log.Warn().Err(err).Str("sample", req.SampleID).Float64("temperature", req.Temperature).Msg("Artifact publish failed")
			report.Fail(err)
		}
	}

	log.Info().
		Str("sample", req.SampleID).
		Float64("temperature", req.Temperature).
		Int("exported", len(report.Exported)).
		Int("skipped", len(report.Skipped)).
		Int("kittel", len(report.Kittel)).
		Msg("Temperature completed")
	return report, nil
}

type prefit struct {
	result *models.FitResult
	err    error
}

// fitAll walks the frequencies through the machine. With FitConcurrency > 1
// frequencies that have explicit guesses are fitted up front in parallel;
// exports still happen in frequency order.
func (s *pipelineService) fitAll(ctx context.Context, m *Machine, pc PipelineContext, req RunRequest, report *models.RunReport, emit func(Progress)) (PipelineContext, error) {
	fitted, err := s.prefitParallel(ctx, m, pc, req)
	if err != nil {
		return pc, err
	}

	total := len(pc.Frequencies)
	for pc.State != StateCompleted {
		if err := ctx.Err(); err != nil {
			return pc, err
		}
		f := pc.Frequency()
		processed, err := s.processed(ctx, m, pc, req, f)
		if err != nil {
			return pc, err
		}
		if processed {
			pc, _ = m.Skip(pc, models.ErrAlreadyExported)
			emit(Progress{Stage: StateExport, Done: pc.Index + 1, Total: total, Frequency: f})
			pc, _ = m.Next(pc)
			continue
		}
		guesses, ok := s.guessesFor(req, f)

		pc, err = m.SelectPeakCount(pc, req.PeakCount, guesses)
		if err != nil {
			report.Fail(&models.FrequencyError{SampleID: pc.SampleID, Temperature: pc.Temperature, Frequency: f, Err: err})
			pc, _ = m.Skip(pc, err)
			pc, _ = m.Next(pc)
			continue
		}

		if pre, found := fitted[pc.Index]; found && ok {
			pc, err = m.Record(pc, pre.result, pre.err)
		} else {
			pc, err = m.Fit(pc)
		}
		if err != nil {
			report.Fail(err)
			pc, _ = m.Skip(pc, err)
			pc, _ = m.Next(pc)
			continue
		}

		pc, err = m.Export(ctx, pc)
		switch {
		case errors.Is(err, models.ErrAlreadyExported):
			log.Warn().Err(err).Float64("frequency", f).Msg("Frequency already exported")
		case err != nil:
			return pc, err
		}
		emit(Progress{Stage: StateExport, Done: pc.Index + 1, Total: total, Frequency: f})

		if pc, err = m.Next(pc); err != nil {
			return pc, err
		}
	}
	return pc, nil
}

// processed reports whether f already carries a processed marker. Overwriting
// machines refit every frequency.
func (s *pipelineService) processed(ctx context.Context, m *Machine, pc PipelineContext, req RunRequest, f float64) (bool, error) {
	if m.overwrite {
		return false, nil
	}
	key := models.FitKey{SampleID: pc.SampleID, Temperature: pc.Temperature, Frequency: f, PeakCount: req.PeakCount}
	done, err := s.opts.Ledger.IsProcessed(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return done, nil
}

func (s *pipelineService) guessesFor(req RunRequest, f float64) ([]models.PeakGuess, bool) {
	if req.PeakCount == 0 {
		return []models.PeakGuess{}, true
	}
	if req.Guesses == nil {
		return nil, false
	}
	return req.Guesses.Guesses(req.Temperature, f, req.PeakCount)
}

func (s *pipelineService) prefitParallel(ctx context.Context, m *Machine, pc PipelineContext, req RunRequest) (map[int]prefit, error) {
	out := make(map[int]prefit)
	if s.opts.FitConcurrency <= 1 {
		return out, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.FitConcurrency)
	for i, f := range pc.Frequencies {
		if ctx.Err() != nil {
			break
		}
		processed, err := s.processed(ctx, m, pc, req, f)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if processed {
			continue
		}
		guesses, ok := s.guessesFor(req, f)
		if !ok {
			continue
		}
		i, f := i, f
		g.Go(func() error {
			key := models.FitKey{SampleID: pc.SampleID, Temperature: pc.Temperature, Frequency: f, PeakCount: req.PeakCount}
			y, err := pc.Grid.Column(f)
			var res *models.FitResult
			if err == nil {
				res, err = s.opts.Peaks.Fit(key, pc.Grid.Field, y, guesses)
			}
			mu.Lock()
			out[i] = prefit{result: res, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (s *pipelineService) fitKittel(ctx context.Context, req RunRequest, report *models.RunReport) error {
	if req.PeakCount == 0 {
		return nil
	}
	records, err := s.opts.Ledger.PeakFits(ctx, req.SampleID, req.Temperature, req.PeakCount)
	if err != nil {
		return fmt.Errorf("failed to read peak ledger: %w", err)
	}

	for band := 0; band < req.PeakCount; band++ {
		points := kittel.PointsFromRecords(records, band)
		key := kittel.Key{SampleID: req.SampleID, Temperature: req.Temperature, Band: band}

		fits := []struct {
			model models.KittelModel
			guess models.KittelGuess
		}{{models.ModelUniform, req.Kittel.Uniform}}
		if g, ok := req.Kittel.PSSW[band]; ok {
			fits = append(fits, struct {
				model models.KittelModel
				guess models.KittelGuess
			}{models.ModelPSSW, g})
		}

		for _, fit := range fits {
			res, err := s.opts.Kittel.Fit(key, points, fit.model, fit.guess)
			if err != nil {
				log.Warn().
					Err(err).
					Str("sample", req.SampleID).
					Float64("temperature", req.Temperature).
					Int("band", band).
					Str("model", string(fit.model)).
					Msg("Kittel fit failed")
				report.Fail(err)
				continue
			}
			if err := s.kittel.Export(ctx, res); err != nil {
				return err
			}
			report.Kittel = append(report.Kittel, *res)
		}
	}
	return nil
}

// Grid returns the cached grid of a temperature. On a miss it reloads the
// persisted grid, then re-interpolates the persisted categorized table, and
// finally rebuilds from the raw sweeps.
func (s *pipelineService) Grid(ctx context.Context, sampleID string, temperature float64) (*models.InterpolatedGrid, error) {
	key := gridKey(sampleID, temperature)
	s.mu.Lock()
	grid, ok := s.grids[key]
	s.mu.Unlock()
	if ok {
		return grid, nil
	}

	pc, err := s.loadGrid(ctx, sampleID, temperature)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.grids[key] = pc.Grid
	s.mu.Unlock()
	return pc.Grid, nil
}

func (s *pipelineService) loadGrid(ctx context.Context, sampleID string, temperature float64) (PipelineContext, error) {
	machine := NewMachine(s.opts.Aggregator, s.opts.Peaks, s.peaks, false)
	pc := NewContext(sampleID, temperature, s.opts.Range)
	logger := log.With().Str("sample", sampleID).Float64("temperature", temperature).Logger()

	grid, err := s.readGrid(ctx, sampleID, temperature)
	if err == nil {
		logger.Debug().Msg("Grid reloaded from artifacts")
		return machine.UseGrid(pc, grid)
	}
	logger.Debug().Err(err).Msg("Persisted grid unavailable")

	table, err := s.readTable(ctx, sampleID, temperature)
	if err == nil {
		logger.Debug().Msg("Grid rebuilt from categorized table")
		pc, err = machine.UseTable(pc, table)
	} else {
		logger.Debug().Err(err).Msg("Persisted table unavailable, aggregating raw sweeps")
		pc, err = machine.Aggregate(ctx, pc, nil)
	}
	if err != nil {
		return pc, err
	}
	return machine.Interpolate(pc)
}

func (s *pipelineService) readGrid(ctx context.Context, sampleID string, temperature float64) (*models.InterpolatedGrid, error) {
	var files [3][]byte
	for i, name := range []string{ArtifactMatrix, ArtifactFieldAxis, ArtifactFreqAxis} {
		data, err := s.readArtifact(ctx, sampleID, temperature, name)
		if err != nil {
			return nil, err
		}
		files[i] = data
	}
	return interpolate.ReadGrid(bytes.NewReader(files[0]), bytes.NewReader(files[1]), bytes.NewReader(files[2]), sampleID, temperature)
}

func (s *pipelineService) readTable(ctx context.Context, sampleID string, temperature float64) (*models.CategorizedTable, error) {
	data, err := s.readArtifact(ctx, sampleID, temperature, ArtifactTable)
	if err != nil {
		return nil, err
	}
	return aggregate.ReadTable(bytes.NewReader(data), sampleID, temperature)
}

// ArtifactURL returns a download link for one published artifact.
func (s *pipelineService) ArtifactURL(ctx context.Context, sampleID string, temperature float64, name string) (string, error) {
	if !knownArtifact(name) {
		return "", fmt.Errorf("%w: unknown artifact %q", models.ErrInvalidParameterRange, name)
	}
	if s.opts.Store == nil {
		return "", models.ErrNoArtifactStore
	}
	return s.opts.Store.DownloadURL(ctx, storage.ArtifactKey(sampleID, temperature, name))
}

// Heatmap returns the baseline-corrected display matrix.
func (s *pipelineService) Heatmap(ctx context.Context, sampleID string, temperature float64) (*baseline.Heatmap, error) {
	grid, err := s.Grid(ctx, sampleID, temperature)
	if err != nil {
		return nil, err
	}
	return s.corrector.Correct(grid)
}

// Linewidth returns the linewidth series of one band. The damping fit uses
// the band's uniform Kittel gamma and is omitted when none is stored or the
// series is too short.
func (s *pipelineService) Linewidth(ctx context.Context, sampleID string, temperature float64, peakCount, band int) (*models.LinewidthReport, error) {
	if band < 0 || band >= peakCount {
		return nil, fmt.Errorf("%w: band %d for %d peaks", models.ErrInvalidParameterRange, band, peakCount)
	}
	records, err := s.opts.Ledger.PeakFits(ctx, sampleID, temperature, peakCount)
	if err != nil {
		return nil, err
	}
	report := &models.LinewidthReport{Points: linewidth.Aggregate(records, band)}

	results, err := s.opts.Ledger.KittelResults(ctx, sampleID, temperature)
	if err != nil {
		return nil, err
	}
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Band != band || r.Model != models.ModelUniform {
			continue
		}
		damping, err := linewidth.FitDamping(report.Points, r.Gamma)
		if err != nil {
			log.Debug().Err(err).Int("band", band).Msg("Damping fit skipped")
		} else {
			report.Damping = damping
		}
		break
	}
	return report, nil
}

// KittelResults returns the summary rows of one temperature.
func (s *pipelineService) KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error) {
	return s.opts.Ledger.KittelResults(ctx, sampleID, temperature)
}
