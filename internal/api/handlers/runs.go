package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// RunTracker starts and reports pipeline runs
type RunTracker interface {
	Start(ctx context.Context, req pipeline.RunRequest, async bool) (models.Run, error)
	Get(id uuid.UUID) (models.Run, error)
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	runs RunTracker
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs RunTracker) *RunHandler {
	return &RunHandler{runs: runs}
}

// CreateRun starts one temperature run
func (h *RunHandler) CreateRun(ctx context.Context, req *models.CreateRunRequest) (*models.RunStatusResponse, error) {
	body := req.Body
	log.Info().Str("sample", body.SampleID).Float64("temperature", body.Temperature).Int("peaks", body.PeakCount).Bool("async", body.Async).Msg("Run request received")

	runReq, err := runRequest(body)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid run parameters", err)
	}

	run, err := h.runs.Start(ctx, runReq, body.Async)
	if err != nil && run.Status == models.RunFailed && !body.Async {
		return nil, statusError("Run failed", err)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to start run", err)
	}

	return &models.RunStatusResponse{Body: statusBody(run)}, nil
}

// GetRun returns the current status of a run
func (h *RunHandler) GetRun(ctx context.Context, req *models.GetRunRequest) (*models.RunStatusResponse, error) {
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid run ID", err)
	}

	run, err := h.runs.Get(id)
	if err != nil {
		return nil, huma.Error404NotFound("Run not found", err)
	}
	return &models.RunStatusResponse{Body: statusBody(run)}, nil
}

func runRequest(body models.CreateRunRequestBody) (pipeline.RunRequest, error) {
	guesses := &pipeline.GuessFile{
		PeakCount:   body.PeakCount,
		Default:     body.Default,
		Frequencies: body.Frequencies,
		Kittel:      body.Kittel,
	}
	if len(body.PSSW) > 0 {
		guesses.PSSW = make(map[int]models.KittelGuess, len(body.PSSW))
		for _, p := range body.PSSW {
			guesses.PSSW[p.Band] = p.Guess
		}
	}
	if err := guesses.Validate(); err != nil {
		return pipeline.RunRequest{}, err
	}

	req := pipeline.RunRequest{
		SampleID:    body.SampleID,
		Temperature: body.Temperature,
		PeakCount:   body.PeakCount,
		Guesses:     guesses,
		Kittel:      guesses.KittelOptions(),
		Force:       body.Force,
		Overwrite:   body.Overwrite,
	}
	if body.Range != nil {
		if err := body.Range.Validate(); err != nil {
			return pipeline.RunRequest{}, err
		}
		req.Range = *body.Range
	}
	return req, nil
}

func statusBody(run models.Run) models.RunStatusBody {
	return models.RunStatusBody{
		ID:          run.ID.String(),
		SampleID:    run.SampleID,
		Temperature: run.Temperature,
		Status:      run.Status,
		Progress:    run.Progress,
		Stage:       run.Stage,
		Message:     statusMessage(run.Status, run.Stage),
		Error:       run.Error,
		Report:      run.Report,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
}

// statusMessage creates a human-readable status message
func statusMessage(status, stage string) string {
	switch status {
	case models.RunPending:
		return "Run queued..."
	case models.RunProcessing:
		switch stage {
		case pipeline.StateAggregate.String():
			return "Collecting raw sweeps..."
		case "":
			return "Starting run..."
		default:
			return "Fitting resonances..."
		}
	case models.RunCompleted:
		return "Run complete!"
	case models.RunFailed:
		return "Run failed."
	default:
		return "Unknown status"
	}
}

// statusError maps pipeline errors onto HTTP errors
func statusError(msg string, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidParameterRange):
		return huma.Error400BadRequest(msg, err)
	case errors.Is(err, models.ErrMissingRoot), errors.Is(err, models.ErrInsufficientData), errors.Is(err, models.ErrNoArtifactStore):
		return huma.Error404NotFound(msg, err)
	case errors.Is(err, models.ErrLedgerWriteConflict), errors.Is(err, models.ErrInvalidTransition):
		return huma.Error409Conflict(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
