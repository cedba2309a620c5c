package models

import (
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Body struct {
		Status  string    `json:"status" example:"healthy" doc:"Service health status"`
		Version string    `json:"version" example:"1.0.0" doc:"API version"`
		Time    time.Time `json:"time" doc:"Current server time"`
	}
}

// PSSWGuess seeds the standing spin wave fit of one band
type PSSWGuess struct {
	Band  int         `json:"band" minimum:"0" maximum:"4" doc:"Peak band index"`
	Guess KittelGuess `json:"guess" doc:"Fixed gamma and M_eff, starting A_ex, mode index and thickness"`
}

// CreateRunRequestBody describes one temperature run
type CreateRunRequestBody struct {
	SampleID    string                 `json:"sample_id" minLength:"1" maxLength:"128" required:"true" doc:"Sample identifier"`
	Temperature float64                `json:"temperature" minimum:"0" required:"true" doc:"Temperature in K"`
	PeakCount   int                    `json:"peak_count" minimum:"0" maximum:"5" doc:"Peaks per frequency"`
	Range       *FrequencyRange        `json:"range,omitempty" doc:"Frequency range in GHz, server default when omitted"`
	Default     []PeakGuess            `json:"default,omitempty" doc:"Guesses for frequencies without their own entry"`
	Frequencies map[string][]PeakGuess `json:"frequencies,omitempty" doc:"Guesses keyed by frequency label, e.g. \"5.5\""`
	Kittel      *KittelGuess           `json:"kittel,omitempty" doc:"Uniform Kittel starting point"`
	PSSW        []PSSWGuess            `json:"pssw,omitempty" doc:"Standing spin wave fits per band"`
	Force       bool                   `json:"force,omitempty" doc:"Rerun a completed temperature"`
	Overwrite   bool                   `json:"overwrite,omitempty" doc:"Supersede already exported frequencies"`
	Async       bool                   `json:"async,omitempty" doc:"Return immediately and run in the background"`
}

// CreateRunRequest represents a request to start a run
type CreateRunRequest struct {
	Body CreateRunRequestBody
}

// RunStatusBody is the externally visible state of a run
type RunStatusBody struct {
	ID          string     `json:"id" doc:"Run ID"`
	SampleID    string     `json:"sample_id" doc:"Sample identifier"`
	Temperature float64    `json:"temperature" doc:"Temperature in K"`
	Status      string     `json:"status" enum:"pending,processing,completed,failed" doc:"Run status"`
	Progress    int        `json:"progress" minimum:"0" maximum:"100" doc:"Run progress percentage"`
	Stage       string     `json:"stage,omitempty" doc:"Current pipeline stage"`
	Message     string     `json:"message,omitempty" doc:"Human-readable status message"`
	Error       *string    `json:"error,omitempty" doc:"Failure reason"`
	Report      *RunReport `json:"report,omitempty" doc:"Run summary once completed"`
	CreatedAt   time.Time  `json:"created_at" doc:"Run creation timestamp"`
	UpdatedAt   time.Time  `json:"updated_at" doc:"Last status change"`
}

// RunStatusResponse represents the state of a run
type RunStatusResponse struct {
	Body RunStatusBody
}

// GetRunRequest represents a request to get run status
type GetRunRequest struct {
	ID string `path:"id" doc:"Run ID"`
}

// TemperaturePath addresses one (sample, temperature)
type TemperaturePath struct {
	Sample      string  `path:"sample" doc:"Sample identifier"`
	Temperature float64 `path:"temperature" doc:"Temperature in K"`
}

// GetKittelRequest represents a request for the summary ledger
type GetKittelRequest struct {
	TemperaturePath
}

// GetKittelResponse holds the summary ledger rows of one temperature
type GetKittelResponse struct {
	Body struct {
		Results []KittelResult `json:"results" doc:"Kittel summary rows in ledger order"`
	}
}

// GetLinewidthRequest represents a request for one band's linewidth series
type GetLinewidthRequest struct {
	TemperaturePath
	Peaks int `query:"peaks" minimum:"1" maximum:"5" default:"1" doc:"Peak count of the ledger to read"`
	Band  int `query:"band" minimum:"0" maximum:"4" default:"0" doc:"Peak band index"`
}

// GetLinewidthResponse holds the linewidth series and damping fit
type GetLinewidthResponse struct {
	Body LinewidthReport
}

// GetHeatmapRequest represents a request for the baseline-corrected heatmap
type GetHeatmapRequest struct {
	TemperaturePath
}

// HeatmapBody is the display matrix with one row per frequency
type HeatmapBody struct {
	Field       []float64   `json:"field" doc:"Field axis in Oe"`
	Frequencies []float64   `json:"frequencies" doc:"Frequency axis in GHz"`
	Values      [][]float64 `json:"values" doc:"Baseline-corrected signal, one row per frequency"`
	Min         float64     `json:"min" doc:"Smallest value, for the color scale"`
	Max         float64     `json:"max" doc:"Largest value, for the color scale"`
}

// GetHeatmapResponse holds the heatmap
type GetHeatmapResponse struct {
	Body HeatmapBody
}

// GetArtifactRequest represents a request for a published artifact link
type GetArtifactRequest struct {
	TemperaturePath
	Name string `path:"name" doc:"Artifact file name" example:"interpolation.csv"`
}

// GetArtifactResponse holds a download link for one artifact
type GetArtifactResponse struct {
	Body struct {
		Key string `json:"key" doc:"Object key in the artifact store"`
		URL string `json:"url" doc:"Download URL"`
	}
}
