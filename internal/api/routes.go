package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/api/handlers"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
)

// RegisterRoutes sets up all API routes
func RegisterRoutes(api huma.API, svc pipeline.Service, runs handlers.RunTracker) {
	// Initialize handlers
	runHandler := handlers.NewRunHandler(runs)
	sampleHandler := handlers.NewSampleHandler(svc)

	// Register run routes
	huma.Register(api, huma.Operation{
		OperationID:   "createRun",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Run one temperature",
		Description:   "Aggregates, interpolates, fits and exports one temperature, synchronously or in the background",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusCreated,
	}, runHandler.CreateRun)

	huma.Register(api, huma.Operation{
		OperationID: "getRun",
		Method:      http.MethodGet,
		Path:        "/api/runs/{id}",
		Summary:     "Get run status",
		Description: "Returns the current status, progress and report of a run",
		Tags:        []string{"Runs"},
	}, runHandler.GetRun)

	// Register sample routes
	huma.Register(api, huma.Operation{
		OperationID: "getKittel",
		Method:      http.MethodGet,
		Path:        "/api/samples/{sample}/temperatures/{temperature}/kittel",
		Summary:     "Get Kittel summary",
		Description: "Returns the dispersion fits stored for one temperature",
		Tags:        []string{"Samples"},
	}, sampleHandler.GetKittel)

	huma.Register(api, huma.Operation{
		OperationID: "getLinewidth",
		Method:      http.MethodGet,
		Path:        "/api/samples/{sample}/temperatures/{temperature}/linewidth",
		Summary:     "Get linewidth series",
		Description: "Returns linewidth versus frequency for one band, with a Gilbert damping fit when available",
		Tags:        []string{"Samples"},
	}, sampleHandler.GetLinewidth)

	huma.Register(api, huma.Operation{
		OperationID: "getHeatmap",
		Method:      http.MethodGet,
		Path:        "/api/samples/{sample}/temperatures/{temperature}/heatmap",
		Summary:     "Get heatmap",
		Description: "Returns the baseline-corrected frequency by field matrix and its color bounds",
		Tags:        []string{"Samples"},
	}, sampleHandler.GetHeatmap)

	huma.Register(api, huma.Operation{
		OperationID: "getArtifact",
		Method:      http.MethodGet,
		Path:        "/api/samples/{sample}/temperatures/{temperature}/artifacts/{name}",
		Summary:     "Get artifact link",
		Description: "Returns a download URL for a published table, matrix or summary",
		Tags:        []string{"Samples"},
	}, sampleHandler.GetArtifact)
}
