package handlers

import (
	"context"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/storage"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// SampleHandler serves per-temperature results
type SampleHandler struct {
	svc pipeline.Service
}

// NewSampleHandler creates a new sample handler
func NewSampleHandler(svc pipeline.Service) *SampleHandler {
	return &SampleHandler{svc: svc}
}

// GetKittel returns the Kittel summary rows of one temperature
func (h *SampleHandler) GetKittel(ctx context.Context, req *models.GetKittelRequest) (*models.GetKittelResponse, error) {
	results, err := h.svc.KittelResults(ctx, req.Sample, req.Temperature)
	if err != nil {
		return nil, statusError("Failed to read Kittel summary", err)
	}

	resp := &models.GetKittelResponse{}
	resp.Body.Results = results
	if resp.Body.Results == nil {
		resp.Body.Results = []models.KittelResult{}
	}
	return resp, nil
}

// GetLinewidth returns one band's linewidth series and damping fit
func (h *SampleHandler) GetLinewidth(ctx context.Context, req *models.GetLinewidthRequest) (*models.GetLinewidthResponse, error) {
	report, err := h.svc.Linewidth(ctx, req.Sample, req.Temperature, req.Peaks, req.Band)
	if err != nil {
		return nil, statusError("Failed to read linewidths", err)
	}
	return &models.GetLinewidthResponse{Body: *report}, nil
}

// GetHeatmap returns the baseline-corrected heatmap
func (h *SampleHandler) GetHeatmap(ctx context.Context, req *models.GetHeatmapRequest) (*models.GetHeatmapResponse, error) {
	heat, err := h.svc.Heatmap(ctx, req.Sample, req.Temperature)
	if err != nil {
		return nil, statusError("Failed to build heatmap", err)
	}

	rows, _ := heat.Values.Dims()
	values := make([][]float64, rows)
	for i := range values {
		values[i] = mat.Row(nil, i, heat.Values)
	}
	log.Debug().Str("sample", req.Sample).Float64("temperature", req.Temperature).Int("rows", rows).Msg("Heatmap served")

	return &models.GetHeatmapResponse{Body: models.HeatmapBody{
		Field:       heat.Field,
		Frequencies: heat.Frequencies,
		Values:      values,
		Min:         heat.Min,
		Max:         heat.Max,
	}}, nil
}

// GetArtifact returns a download link for one published artifact
func (h *SampleHandler) GetArtifact(ctx context.Context, req *models.GetArtifactRequest) (*models.GetArtifactResponse, error) {
	url, err := h.svc.ArtifactURL(ctx, req.Sample, req.Temperature, req.Name)
	if err != nil {
		return nil, statusError("Failed to link artifact", err)
	}

	resp := &models.GetArtifactResponse{}
	resp.Body.Key = storage.ArtifactKey(req.Sample, req.Temperature, req.Name)
	resp.Body.URL = url
	return resp, nil
}
