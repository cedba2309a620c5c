package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/baseline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// MockRunTracker implements RunTracker for testing
type MockRunTracker struct {
	mock.Mock
}

func (m *MockRunTracker) Start(ctx context.Context, req pipeline.RunRequest, async bool) (models.Run, error) {
	args := m.Called(ctx, req, async)
	return args.Get(0).(models.Run), args.Error(1)
}

func (m *MockRunTracker) Get(id uuid.UUID) (models.Run, error) {
	args := m.Called(id)
	return args.Get(0).(models.Run), args.Error(1)
}

// MockPipelineService implements pipeline.Service for testing
type MockPipelineService struct {
	mock.Mock
}

func (m *MockPipelineService) RunTemperature(ctx context.Context, req pipeline.RunRequest) (*models.RunReport, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*models.RunReport), args.Error(1)
}

func (m *MockPipelineService) RunBatch(ctx context.Context, batch pipeline.BatchRequest, progress pipeline.BatchProgressFunc) (*pipeline.BatchReport, error) {
	args := m.Called(ctx, batch, progress)
	return args.Get(0).(*pipeline.BatchReport), args.Error(1)
}

func (m *MockPipelineService) Grid(ctx context.Context, sampleID string, temperature float64) (*models.InterpolatedGrid, error) {
	args := m.Called(ctx, sampleID, temperature)
	return args.Get(0).(*models.InterpolatedGrid), args.Error(1)
}

func (m *MockPipelineService) Heatmap(ctx context.Context, sampleID string, temperature float64) (*baseline.Heatmap, error) {
	args := m.Called(ctx, sampleID, temperature)
	heat, _ := args.Get(0).(*baseline.Heatmap)
	return heat, args.Error(1)
}

func (m *MockPipelineService) Linewidth(ctx context.Context, sampleID string, temperature float64, peakCount, band int) (*models.LinewidthReport, error) {
	args := m.Called(ctx, sampleID, temperature, peakCount, band)
	report, _ := args.Get(0).(*models.LinewidthReport)
	return report, args.Error(1)
}

func (m *MockPipelineService) ArtifactURL(ctx context.Context, sampleID string, temperature float64, name string) (string, error) {
	args := m.Called(ctx, sampleID, temperature, name)
	return args.String(0), args.Error(1)
}

func (m *MockPipelineService) KittelResults(ctx context.Context, sampleID string, temperature float64) ([]models.KittelResult, error) {
	args := m.Called(ctx, sampleID, temperature)
	results, _ := args.Get(0).([]models.KittelResult)
	return results, args.Error(1)
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.True(t, errors.As(err, &se), "expected a huma status error, got %v", err)
	return se.GetStatus()
}

func TestCreateRun(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name      string
		body      models.CreateRunRequestBody
		mockSetup func(*MockRunTracker)
		wantCode  int
		wantState string
	}{
		{
			name: "synchronous run",
			body: models.CreateRunRequestBody{
				SampleID:    "S1",
				Temperature: 10,
				PeakCount:   1,
				Default:     []models.PeakGuess{{ResonanceField: 1200, Linewidth: 30}},
			},
			mockSetup: func(runs *MockRunTracker) {
				runs.On("Start", mock.Anything, mock.MatchedBy(func(req pipeline.RunRequest) bool {
					g, ok := req.Guesses.Guesses(10, 5, 1)
					return req.SampleID == "S1" && req.PeakCount == 1 && ok && g[0].ResonanceField == 1200
				}), false).Return(models.Run{ID: id, SampleID: "S1", Temperature: 10, Status: models.RunCompleted, Progress: 100}, nil)
			},
			wantState: models.RunCompleted,
		},
		{
			name: "async run",
			body: models.CreateRunRequestBody{SampleID: "S1", Temperature: 20, Async: true},
			mockSetup: func(runs *MockRunTracker) {
				runs.On("Start", mock.Anything, mock.Anything, true).Return(models.Run{ID: id, Status: models.RunPending}, nil)
			},
			wantState: models.RunPending,
		},
		{
			name:      "guess count mismatch",
			body:      models.CreateRunRequestBody{SampleID: "S1", Temperature: 10, PeakCount: 2, Default: []models.PeakGuess{{ResonanceField: 1200, Linewidth: 30}}},
			mockSetup: func(runs *MockRunTracker) {},
			wantCode:  400,
		},
		{
			name:      "invalid range",
			body:      models.CreateRunRequestBody{SampleID: "S1", Temperature: 10, Range: &models.FrequencyRange{Bottom: 5, Top: 3, Step: 1}},
			mockSetup: func(runs *MockRunTracker) {},
			wantCode:  400,
		},
		{
			name: "missing data root",
			body: models.CreateRunRequestBody{SampleID: "S1", Temperature: 10},
			mockSetup: func(runs *MockRunTracker) {
				runs.On("Start", mock.Anything, mock.Anything, false).Return(models.Run{ID: id, Status: models.RunFailed}, models.ErrMissingRoot)
			},
			wantCode: 404,
		},
		{
			name: "ledger conflict",
			body: models.CreateRunRequestBody{SampleID: "S1", Temperature: 10},
			mockSetup: func(runs *MockRunTracker) {
				runs.On("Start", mock.Anything, mock.Anything, false).Return(models.Run{ID: id, Status: models.RunFailed}, models.ErrLedgerWriteConflict)
			},
			wantCode: 409,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &MockRunTracker{}
			tt.mockSetup(runs)
			handler := NewRunHandler(runs)

			resp, err := handler.CreateRun(context.Background(), &models.CreateRunRequest{Body: tt.body})

			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, httpStatus(t, err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, id.String(), resp.Body.ID)
				assert.Equal(t, tt.wantState, resp.Body.Status)
				assert.NotEmpty(t, resp.Body.Message)
			}
			runs.AssertExpectations(t)
		})
	}
}

func TestGetRun(t *testing.T) {
	id := uuid.New()
	runs := &MockRunTracker{}
	runs.On("Get", id).Return(models.Run{ID: id, Status: models.RunProcessing, Stage: "fit", Progress: 40, CreatedAt: time.Now()}, nil)
	runs.On("Get", mock.Anything).Return(models.Run{}, pipeline.ErrRunNotFound)
	handler := NewRunHandler(runs)

	resp, err := handler.GetRun(context.Background(), &models.GetRunRequest{ID: id.String()})
	require.NoError(t, err)
	assert.Equal(t, 40, resp.Body.Progress)
	assert.Equal(t, "Fitting resonances...", resp.Body.Message)

	_, err = handler.GetRun(context.Background(), &models.GetRunRequest{ID: "not-a-uuid"})
	assert.Equal(t, 400, httpStatus(t, err))

	_, err = handler.GetRun(context.Background(), &models.GetRunRequest{ID: uuid.New().String()})
	assert.Equal(t, 404, httpStatus(t, err))
}

func TestStatusMessage(t *testing.T) {
	assert.Equal(t, "Run queued...", statusMessage(models.RunPending, ""))
	assert.Equal(t, "Starting run...", statusMessage(models.RunProcessing, ""))
	assert.Equal(t, "Collecting raw sweeps...", statusMessage(models.RunProcessing, "aggregate"))
	assert.Equal(t, "Run complete!", statusMessage(models.RunCompleted, "completed"))
	assert.Equal(t, "Unknown status", statusMessage("bogus", ""))
}

func TestGetKittel(t *testing.T) {
	svc := &MockPipelineService{}
	svc.On("KittelResults", mock.Anything, "S1", 10.0).Return([]models.KittelResult{{Band: 0, Gamma: 2.8, Meff: 1.2}}, nil)
	svc.On("KittelResults", mock.Anything, "S2", 10.0).Return(nil, nil)
	handler := NewSampleHandler(svc)

	path := func(sample string) models.TemperaturePath {
		return models.TemperaturePath{Sample: sample, Temperature: 10}
	}

	resp, err := handler.GetKittel(context.Background(), &models.GetKittelRequest{TemperaturePath: path("S1")})
	require.NoError(t, err)
	require.Len(t, resp.Body.Results, 1)
	assert.Equal(t, 2.8, resp.Body.Results[0].Gamma)

	resp, err = handler.GetKittel(context.Background(), &models.GetKittelRequest{TemperaturePath: path("S2")})
	require.NoError(t, err)
	assert.NotNil(t, resp.Body.Results)
	assert.Empty(t, resp.Body.Results)
}

func TestGetLinewidth(t *testing.T) {
	svc := &MockPipelineService{}
	report := &models.LinewidthReport{Points: []models.LinewidthPoint{{Frequency: 5, Linewidth: 30}, {Frequency: 7, Linewidth: 32}}}
	svc.On("Linewidth", mock.Anything, "S1", 10.0, 2, 1).Return(report, nil)
	svc.On("Linewidth", mock.Anything, "S1", 10.0, 1, 3).Return(nil, models.ErrInvalidParameterRange)
	handler := NewSampleHandler(svc)
	path := models.TemperaturePath{Sample: "S1", Temperature: 10}

	resp, err := handler.GetLinewidth(context.Background(), &models.GetLinewidthRequest{TemperaturePath: path, Peaks: 2, Band: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Body.Points, 2)

	_, err = handler.GetLinewidth(context.Background(), &models.GetLinewidthRequest{TemperaturePath: path, Peaks: 1, Band: 3})
	assert.Equal(t, 400, httpStatus(t, err))
}

func TestGetHeatmap(t *testing.T) {
	svc := &MockPipelineService{}
	heat := &baseline.Heatmap{
		Field:       []float64{1, 2, 3},
		Frequencies: []float64{5, 7},
		Values:      mat.NewDense(2, 3, []float64{-1, 0, 1, 2, 0, -2}),
		Min:         -2,
		Max:         2,
	}
	svc.On("Heatmap", mock.Anything, "S1", 10.0).Return(heat, nil)
	svc.On("Heatmap", mock.Anything, "S1", 99.0).Return(nil, models.ErrMissingRoot)
	handler := NewSampleHandler(svc)

	resp, err := handler.GetHeatmap(context.Background(), &models.GetHeatmapRequest{TemperaturePath: models.TemperaturePath{Sample: "S1", Temperature: 10}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{-1, 0, 1}, {2, 0, -2}}, resp.Body.Values)
	assert.Equal(t, -2.0, resp.Body.Min)

	_, err = handler.GetHeatmap(context.Background(), &models.GetHeatmapRequest{TemperaturePath: models.TemperaturePath{Sample: "S1", Temperature: 99}})
	assert.Equal(t, 404, httpStatus(t, err))
}

func TestGetArtifact(t *testing.T) {
	tests := []struct {
		name       string
		artifact   string
		url        string
		err        error
		wantStatus int
	}{
		{name: "published artifact", artifact: "interpolation.csv", url: "https://store.example/S1/10K/interpolation.csv?sig=abc"},
		{name: "unknown artifact", artifact: "notes.txt", err: models.ErrInvalidParameterRange, wantStatus: 400},
		{name: "no store configured", artifact: "heatmap.csv", err: models.ErrNoArtifactStore, wantStatus: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockPipelineService{}
			svc.On("ArtifactURL", mock.Anything, "S1", 10.0, tt.artifact).Return(tt.url, tt.err)
			handler := NewSampleHandler(svc)

			resp, err := handler.GetArtifact(context.Background(), &models.GetArtifactRequest{
				TemperaturePath: models.TemperaturePath{Sample: "S1", Temperature: 10},
				Name:            tt.artifact,
			})
			if tt.wantStatus != 0 {
				assert.Equal(t, tt.wantStatus, httpStatus(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.url, resp.Body.URL)
			assert.Equal(t, "S1/10K/"+tt.artifact, resp.Body.Key)
			svc.AssertExpectations(t)
		})
	}
}
