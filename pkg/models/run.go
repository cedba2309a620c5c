package models

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunPending    = "pending"
	RunProcessing = "processing"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// RunReport summarizes one temperature run.
type RunReport struct {
	SampleID    string         `json:"sample_id" doc:"Sample identifier"`
	Temperature float64        `json:"temperature" doc:"Temperature in K"`
	AlreadyDone bool           `json:"already_done" doc:"Temperature was already completed and was skipped"`
	Exported    []float64      `json:"exported" doc:"Frequencies exported to the ledgers, in GHz"`
	Skipped     []float64      `json:"skipped" doc:"Frequencies skipped, in GHz"`
	Kittel      []KittelResult `json:"kittel" doc:"Dispersion fits appended to the summary ledger"`
	Failures    []string       `json:"failures,omitempty" doc:"Recoverable failures"`
}

// Fail records a recoverable failure.
func (r *RunReport) Fail(err error) {
	r.Failures = append(r.Failures, err.Error())
}

// Run is the tracked state of one pipeline run.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	SampleID    string     `json:"sample_id"`
	Temperature float64    `json:"temperature"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Report      *RunReport `json:"report,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LinewidthReport is the linewidth series of one band with its damping fit.
type LinewidthReport struct {
	Points  []LinewidthPoint `json:"points" doc:"Linewidth versus frequency, sorted by frequency"`
	Damping *DampingResult   `json:"damping,omitempty" doc:"Gilbert damping fit when a uniform Kittel gamma is available"`
}
