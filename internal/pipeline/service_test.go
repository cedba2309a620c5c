package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/aggregate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/baseline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/kittel"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/peakfit"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository/filesystem"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/storage"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

const (
	testGamma = 2.8
	testWidth = 30.0
)

var testRange = models.FrequencyRange{Bottom: 5, Top: 13, Step: 2}

// meffAt gives each synthetic temperature its own magnetization.
func meffAt(temperature float64) float64 {
	switch temperature {
	case 10:
		return 1.2
	case 20:
		return 1.5
	default:
		return 1.8
	}
}

// writeSweeps writes one single-peak raw sweep per frequency of testRange.
func writeSweeps(t *testing.T, root string, temperature float64, skip ...float64) {
	t.Helper()
	dir := filepath.Join(root, "S1", models.FormatTemperature(temperature)+"K")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var xs []float64
	for h := 500.0; h <= 5000; h += 2 {
		xs = append(xs, h)
	}

next:
	for _, f := range testRange.Values() {
		for _, s := range skip {
			if s == f {
				continue next
			}
		}
		hr := kittel.ResonanceField(f, testGamma, meffAt(temperature))
		y := peakfit.Model{Peaks: 1}.Curve(xs, []float64{hr, testWidth, 0.1, 0.5, 0})

		var b strings.Builder
		b.WriteString("Field (Oe),Signal (a.u.)\n")
		for i := range xs {
			fmt.Fprintf(&b, "%g,%g\n", xs[i], y[i])
		}
		name := filepath.Join(dir, models.FrequencyLabel(f)+"GHz.csv")
		require.NoError(t, os.WriteFile(name, []byte(b.String()), 0o644))
	}
}

// kittelGuesses seeds each frequency close to its true resonance.
type kittelGuesses struct {
	missing map[float64]bool
}

func (g kittelGuesses) Guesses(temperature, frequency float64, peakCount int) ([]models.PeakGuess, bool) {
	if g.missing[frequency] {
		return nil, false
	}
	hr := kittel.ResonanceField(frequency, testGamma, meffAt(temperature))
	return []models.PeakGuess{{ResonanceField: hr + 10, Linewidth: testWidth * 1.1}}, true
}

// countingGuesses records which frequencies were asked for guesses.
type countingGuesses struct {
	kittelGuesses
	mu    sync.Mutex
	asked map[float64]int
}

func (g *countingGuesses) Guesses(temperature, frequency float64, peakCount int) ([]models.PeakGuess, bool) {
	g.mu.Lock()
	g.asked[frequency]++
	g.mu.Unlock()
	return g.kittelGuesses.Guesses(temperature, frequency, peakCount)
}

// memStore is an in-memory artifact store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := storage.ValidateContentType(contentType); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, os.ErrNotExist)
	}
	return data, nil
}

func (m *memStore) DownloadURL(ctx context.Context, key string) (string, error) {
	return "mem://" + key, nil
}

func newTestService(t *testing.T, dataRoot, outputRoot string, concurrency int) Service {
	t.Helper()
	return NewService(Options{
		Aggregator:     aggregate.NewAggregator(dataRoot, aggregate.DefaultLayout()),
		Peaks:          peakfit.NewEngine(400),
		Kittel:         kittel.NewEngine(200),
		Ledger:         filesystem.NewLedger(outputRoot),
		Baseline:       baseline.Window{Offset: 10, Width: 100},
		Range:          testRange,
		OutputRoot:     outputRoot,
		FitConcurrency: concurrency,
	})
}

func TestRunTemperature_EndToEnd(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 20)
	svc := newTestService(t, dataRoot, outRoot, 1)
	ctx := context.Background()

	var events []Progress
	report, err := svc.RunTemperature(ctx, RunRequest{
		SampleID:    "S1",
		Temperature: 20,
		PeakCount:   1,
		Guesses:     kittelGuesses{},
		Progress:    func(p Progress) { events = append(events, p) },
	})
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []float64{5, 7, 9, 11, 13}, report.Exported)
	assert.Empty(t, report.Skipped)

	require.Len(t, report.Kittel, 1)
	k := report.Kittel[0]
	assert.Equal(t, models.ModelUniform, k.Model)
	assert.InDelta(t, testGamma, k.Gamma, 0.02)
	assert.InDelta(t, 1.5, k.Meff, 0.02)
	assert.Equal(t, 5, k.Points)

	require.NotEmpty(t, events)
	assert.Equal(t, StateCompleted, events[len(events)-1].Stage)

	dir := filepath.Join(outRoot, "S1", "20K")
	assert.FileExists(t, filepath.Join(dir, ".processed", "completed"))
	assert.FileExists(t, filepath.Join(dir, "kittel_linewidth_1peak.csv"))
	assert.FileExists(t, filepath.Join(dir, "kittel_summary.csv"))
	assert.FileExists(t, filepath.Join(dir, ArtifactTable))
	assert.FileExists(t, filepath.Join(dir, ArtifactMatrix))
	assert.FileExists(t, filepath.Join(dir, ArtifactHeatmap))

	records, err := filesystem.NewLedger(outRoot).PeakFits(ctx, "S1", 20, 1)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for _, r := range records {
		want := kittel.ResonanceField(r.Frequency, testGamma, 1.5)
		assert.InDelta(t, want, r.Params.ResonanceField, 1, "hr at %v GHz", r.Frequency)
		assert.InDelta(t, testWidth, r.Params.Linewidth, 1, "hw at %v GHz", r.Frequency)
	}

	lw, err := svc.Linewidth(ctx, "S1", 20, 1, 0)
	require.NoError(t, err)
	require.Len(t, lw.Points, 5)
	require.NotNil(t, lw.Damping)
	assert.InDelta(t, 0, lw.Damping.Alpha, 1e-3)

	heat, err := svc.Heatmap(ctx, "S1", 20)
	require.NoError(t, err)
	rows, _ := heat.Values.Dims()
	assert.Equal(t, 5, rows)

	again, err := svc.RunTemperature(ctx, RunRequest{SampleID: "S1", Temperature: 20, PeakCount: 1, Guesses: kittelGuesses{}})
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
	assert.Empty(t, again.Exported)
}

func TestRunTemperature_ForceSupersedesRows(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10)
	svc := newTestService(t, dataRoot, outRoot, 1)
	ctx := context.Background()
	req := RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: kittelGuesses{}}

	_, err := svc.RunTemperature(ctx, req)
	require.NoError(t, err)

	req.Force = true
	report, err := svc.RunTemperature(ctx, req)
	require.NoError(t, err)
	assert.Len(t, report.Exported, 5)

	b, err := os.ReadFile(filepath.Join(outRoot, "S1", "10K", "kittel_linewidth_1peak.csv"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(b)), "\n"), 11)

	records, err := filesystem.NewLedger(outRoot).PeakFits(ctx, "S1", 10, 1)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestRunTemperature_MissingAndUnguessedFrequenciesAreSkipped(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10, 9)
	svc := newTestService(t, dataRoot, outRoot, 1)

	report, err := svc.RunTemperature(context.Background(), RunRequest{
		SampleID:    "S1",
		Temperature: 10,
		PeakCount:   1,
		Guesses:     kittelGuesses{missing: map[float64]bool{5: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 11, 13}, report.Exported)
	assert.ElementsMatch(t, []float64{9, 5}, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "invalid parameter range")
	require.Len(t, report.Kittel, 1)
	assert.Equal(t, 3, report.Kittel[0].Points)
}

func TestRunTemperature_ConcurrentFitsExportInFrequencyOrder(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 30)
	svc := newTestService(t, dataRoot, outRoot, 3)

	report, err := svc.RunTemperature(context.Background(), RunRequest{SampleID: "S1", Temperature: 30, PeakCount: 1, Guesses: kittelGuesses{}})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 9, 11, 13}, report.Exported)

	b, err := os.ReadFile(filepath.Join(outRoot, "S1", "30K", "kittel_linewidth_1peak.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")[1:]
	require.Len(t, lines, 5)
	for i, line := range lines {
		cells := strings.Split(line, ",")
		assert.Equal(t, models.FrequencyLabel(testRange.Values()[i]), cells[2])
	}
	require.Len(t, report.Kittel, 1)
	assert.InDelta(t, 1.8, report.Kittel[0].Meff, 0.02)
}

func TestRunTemperature_ZeroPeaksWritesMarkersOnly(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10)
	svc := newTestService(t, dataRoot, outRoot, 1)

	report, err := svc.RunTemperature(context.Background(), RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 0})
	require.NoError(t, err)
	assert.Len(t, report.Exported, 5)
	assert.Empty(t, report.Kittel)
	assert.FileExists(t, filepath.Join(outRoot, "S1", "10K", ".processed", "5GHz_0peak"))
}

func TestRunTemperature_InvalidPeakCount(t *testing.T) {
	svc := newTestService(t, t.TempDir(), t.TempDir(), 1)
	_, err := svc.RunTemperature(context.Background(), RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 6})
	assert.ErrorIs(t, err, models.ErrInvalidParameterRange)
}

func TestRunBatch_ContinuesPastFailingTemperature(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10)
	writeSweeps(t, dataRoot, 30)
	svc := newTestService(t, dataRoot, outRoot, 1)

	var seen []float64
	report, err := svc.RunBatch(context.Background(), BatchRequest{
		SampleID:     "S1",
		Temperatures: []float64{10, 20, 30},
		PeakCount:    1,
		Guesses:      kittelGuesses{},
	}, func(done, total int, temperature float64, err error) {
		assert.Equal(t, 3, total)
		seen = append(seen, temperature)
		if temperature == 20 {
			assert.ErrorIs(t, err, models.ErrInsufficientData)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, seen)
	require.Len(t, report.Reports, 2)
	assert.Equal(t, 10.0, report.Reports[0].Temperature)
	assert.Equal(t, 30.0, report.Reports[1].Temperature)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 20.0, report.Failures[0].Temperature)
}

func TestRunBatch_StopsOnCancellation(t *testing.T) {
	dataRoot := t.TempDir()
	writeSweeps(t, dataRoot, 10)
	svc := newTestService(t, dataRoot, t.TempDir(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := svc.RunBatch(ctx, BatchRequest{SampleID: "S1", Temperatures: []float64{10}, PeakCount: 1, Guesses: kittelGuesses{}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Reports)
}

func TestRunBatch_RequiresTemperatures(t *testing.T) {
	svc := newTestService(t, t.TempDir(), t.TempDir(), 1)
	_, err := svc.RunBatch(context.Background(), BatchRequest{SampleID: "S1"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidParameterRange)
}

func TestGrid_RebuildsOnCacheMiss(t *testing.T) {
	dataRoot := t.TempDir()
	writeSweeps(t, dataRoot, 10)
	svc := newTestService(t, dataRoot, t.TempDir(), 1)

	grid, err := svc.Grid(context.Background(), "S1", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 9, 11, 13}, grid.Frequencies)
	assert.Equal(t, 501.0, grid.Field[0])
	assert.Equal(t, 4999.0, grid.Field[len(grid.Field)-1])

	cached, err := svc.Grid(context.Background(), "S1", 10)
	require.NoError(t, err)
	assert.Same(t, grid, cached)
}

func TestRunTemperature_UnreadableSweepIsReported(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10, 9)
	require.NoError(t, os.Mkdir(filepath.Join(dataRoot, "S1", "10K", "9GHz.csv"), 0o755))
	svc := newTestService(t, dataRoot, outRoot, 1)

	report, err := svc.RunTemperature(context.Background(), RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: kittelGuesses{}})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 11, 13}, report.Exported)
	assert.Equal(t, []float64{9}, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "f=9GHz")
	assert.FileExists(t, filepath.Join(outRoot, "S1", "10K", ".processed", "completed"))
}

func TestRunTemperature_PersistFailureLeavesTemperatureIncomplete(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10)
	svc := newTestService(t, dataRoot, outRoot, 1)
	ctx := context.Background()
	req := RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: kittelGuesses{}}

	blocker := filepath.Join(outRoot, "S1", "10K", ArtifactTable)
	require.NoError(t, os.MkdirAll(blocker, 0o755))

	_, err := svc.RunTemperature(ctx, req)
	require.Error(t, err)
	done, err := filesystem.NewLedger(outRoot).IsCompleted(ctx, "S1", 10)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, os.Remove(blocker))
	report, err := svc.RunTemperature(ctx, req)
	require.NoError(t, err)
	assert.False(t, report.AlreadyDone)
	assert.Empty(t, report.Exported)
	assert.Equal(t, []float64{5, 7, 9, 11, 13}, report.Skipped)
	require.Len(t, report.Kittel, 1)
	assert.InDelta(t, testGamma, report.Kittel[0].Gamma, 0.02)
	assert.FileExists(t, blocker)

	done, err = filesystem.NewLedger(outRoot).IsCompleted(ctx, "S1", 10)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunTemperature_ProcessedFrequenciesAreNotRefitted(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
	}{
		{name: "sequential", concurrency: 1},
		{name: "parallel", concurrency: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataRoot, outRoot := t.TempDir(), t.TempDir()
			writeSweeps(t, dataRoot, 10)
			ctx := context.Background()
			ledger := filesystem.NewLedger(outRoot)

			key := models.FitKey{SampleID: "S1", Temperature: 10, Frequency: 5, PeakCount: 1}
			prior := &models.FitResult{
				Key:       key,
				Peaks:     []models.PeakParams{{ResonanceField: 1234, Linewidth: testWidth}},
				Errors:    []models.PeakErrors{{}},
				Converged: true,
			}
			require.NoError(t, peakfit.NewExporter(ledger).Export(ctx, prior, false))

			guesses := &countingGuesses{asked: make(map[float64]int)}
			svc := newTestService(t, dataRoot, outRoot, tt.concurrency)
			report, err := svc.RunTemperature(ctx, RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: guesses})
			require.NoError(t, err)
			assert.Equal(t, []float64{7, 9, 11, 13}, report.Exported)
			assert.Equal(t, []float64{5}, report.Skipped)
			assert.Zero(t, guesses.asked[5])
			assert.NotZero(t, guesses.asked[7])

			records, err := ledger.PeakFits(ctx, "S1", 10, 1)
			require.NoError(t, err)
			require.Len(t, records, 5)
			for _, r := range records {
				if r.Frequency == 5 {
					assert.Equal(t, 1234.0, r.Params.ResonanceField)
				}
			}
		})
	}
}

func TestRunBatch_RecoversKittelPerTemperature(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	temperatures := []float64{10, 20, 30}
	for _, temperature := range temperatures {
		writeSweeps(t, dataRoot, temperature)
	}
	svc := newTestService(t, dataRoot, outRoot, 1)

	report, err := svc.RunBatch(context.Background(), BatchRequest{
		SampleID:     "S1",
		Temperatures: temperatures,
		PeakCount:    1,
		Guesses:      kittelGuesses{},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	require.Len(t, report.Reports, 3)

	for i, temperature := range temperatures {
		r := report.Reports[i]
		assert.Equal(t, temperature, r.Temperature)
		assert.Equal(t, []float64{5, 7, 9, 11, 13}, r.Exported)
		require.Len(t, r.Kittel, 1, "T=%v", temperature)
		assert.InDelta(t, testGamma, r.Kittel[0].Gamma, 0.02, "gamma at T=%v", temperature)
		assert.InDelta(t, meffAt(temperature), r.Kittel[0].Meff, 0.02, "meff at T=%v", temperature)
	}
}

func TestGrid_ReloadsPersistedArtifacts(t *testing.T) {
	dataRoot, outRoot := t.TempDir(), t.TempDir()
	writeSweeps(t, dataRoot, 10)
	ctx := context.Background()

	_, err := newTestService(t, dataRoot, outRoot, 1).RunTemperature(ctx, RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: kittelGuesses{}})
	require.NoError(t, err)
	want, err := newTestService(t, dataRoot, t.TempDir(), 1).Grid(ctx, "S1", 10)
	require.NoError(t, err)

	gone := filepath.Join(t.TempDir(), "gone")
	dir := filepath.Join(outRoot, "S1", "10K")

	// Persisted grid
	grid, err := newTestService(t, gone, outRoot, 1).Grid(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Equal(t, want.Frequencies, grid.Frequencies)
	assert.Equal(t, want.Field, grid.Field)
	assert.InDelta(t, want.Signal.At(2, 100), grid.Signal.At(2, 100), 1e-12)

	// Categorized table
	require.NoError(t, os.Remove(filepath.Join(dir, ArtifactMatrix)))
	grid, err = newTestService(t, gone, outRoot, 1).Grid(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Equal(t, want.Frequencies, grid.Frequencies)
	assert.Equal(t, want.Field, grid.Field)

	// Raw sweeps
	require.NoError(t, os.Remove(filepath.Join(dir, ArtifactTable)))
	_, err = newTestService(t, gone, outRoot, 1).Grid(ctx, "S1", 10)
	assert.ErrorIs(t, err, models.ErrMissingRoot)
}

func TestArtifactStore_PublishReloadAndLink(t *testing.T) {
	dataRoot := t.TempDir()
	writeSweeps(t, dataRoot, 10)
	ctx := context.Background()
	store := newMemStore()

	withStore := func(dataRoot string, store storage.ArtifactStore) Service {
		return NewService(Options{
			Aggregator: aggregate.NewAggregator(dataRoot, aggregate.DefaultLayout()),
			Peaks:      peakfit.NewEngine(400),
			Kittel:     kittel.NewEngine(200),
			Ledger:     filesystem.NewLedger(t.TempDir()),
			Store:      store,
			Range:      testRange,
		})
	}

	report, err := withStore(dataRoot, store).RunTemperature(ctx, RunRequest{SampleID: "S1", Temperature: 10, PeakCount: 1, Guesses: kittelGuesses{}})
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	for _, name := range []string{ArtifactTable, ArtifactMatrix, ArtifactFieldAxis, ArtifactFreqAxis, ArtifactHeatmap, ArtifactKittel, ArtifactRunReport} {
		assert.Contains(t, store.objects, storage.ArtifactKey("S1", 10, name))
	}

	svc := withStore(filepath.Join(t.TempDir(), "gone"), store)
	grid, err := svc.Grid(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 9, 11, 13}, grid.Frequencies)

	tests := []struct {
		name     string
		svc      Service
		artifact string
		want     string
		wantErr  error
	}{
		{name: "published artifact", svc: svc, artifact: ArtifactHeatmap, want: "mem://S1/10K/heatmap.csv"},
		{name: "unknown artifact", svc: svc, artifact: "notes.txt", wantErr: models.ErrInvalidParameterRange},
		{name: "no store", svc: withStore(dataRoot, nil), artifact: ArtifactHeatmap, wantErr: models.ErrNoArtifactStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := tt.svc.ArtifactURL(ctx, "S1", 10, tt.artifact)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}
