package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Runs tracks pipeline runs started through the API.
type Runs struct {
	svc Service

	mu   sync.RWMutex
	runs map[uuid.UUID]*models.Run
}

// NewRuns creates an in-memory run tracker over svc.
func NewRuns(svc Service) *Runs {
	return &Runs{svc: svc, runs: make(map[uuid.UUID]*models.Run)}
}

// Start registers a run and executes it. With async set the run continues in
// the background and Start returns immediately with the pending run.
func (r *Runs) Start(ctx context.Context, req RunRequest, async bool) (models.Run, error) {
	now := time.Now()
	run := &models.Run{
		ID:          uuid.New(),
		SampleID:    req.SampleID,
		Temperature: req.Temperature,
		Status:      models.RunPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()

	log.Info().Str("runID", run.ID.String()).Str("sample", req.SampleID).Float64("temperature", req.Temperature).Bool("async", async).Msg("Run created")

	if async {
		go r.execute(context.Background(), run.ID, req)
		return r.snapshot(run.ID), nil
	}
	err := r.execute(ctx, run.ID, req)
	return r.snapshot(run.ID), err
}

// Get returns a copy of a run.
func (r *Runs) Get(id uuid.UUID) (models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return *run, nil
}

func (r *Runs) snapshot(id uuid.UUID) models.Run {
	run, _ := r.Get(id)
	return run
}

func (r *Runs) update(id uuid.UUID, fn func(*models.Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		fn(run)
		run.UpdatedAt = time.Now()
	}
}

func (r *Runs) execute(ctx context.Context, id uuid.UUID, req RunRequest) error {
	r.update(id, func(run *models.Run) { run.Status = models.RunProcessing })

	req.Progress = func(p Progress) {
		r.update(id, func(run *models.Run) {
			run.Stage = p.Stage.String()
			run.Progress = percent(p)
		})
	}

	report, err := r.svc.RunTemperature(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("runID", id.String()).Msg("Run failed")
		msg := err.Error()
		r.update(id, func(run *models.Run) {
			run.Status = models.RunFailed
			run.Error = &msg
		})
		return err
	}

	r.update(id, func(run *models.Run) {
		run.Status = models.RunCompleted
		run.Progress = 100
		run.Stage = StateCompleted.String()
		run.Report = report
	})
	return nil
}

// percent maps stage progress onto 0..100: aggregation fills the first 30,
// fitting and export the next 65.
func percent(p Progress) int {
	frac := 0.0
	if p.Total > 0 {
		frac = float64(p.Done) / float64(p.Total)
	}
	switch p.Stage {
	case StateAggregate:
		return int(30 * frac)
	case StateCompleted:
		return 100
	default:
		return 30 + int(65*frac)
	}
}
