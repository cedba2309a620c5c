package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/aggregate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/interpolate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/storage"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Artifact names below <sample>/<T>K/ in the artifact store.
const (
	ArtifactTable     = "categorized.csv"
	ArtifactMatrix    = "interpolation.csv"
	ArtifactFieldAxis = "field_axis.csv"
	ArtifactFreqAxis  = "frequency_axis.csv"
	ArtifactHeatmap   = "heatmap.csv"
	ArtifactKittel    = "kittel_summary.json"
	ArtifactRunReport = "report.json"
)

func knownArtifact(name string) bool {
	switch name {
	case ArtifactTable, ArtifactMatrix, ArtifactFieldAxis, ArtifactFreqAxis, ArtifactHeatmap, ArtifactKittel, ArtifactRunReport:
		return true
	}
	return false
}

type artifact struct {
	name        string
	contentType string
	write       func(*bytes.Buffer) error
}

func (s *pipelineService) artifacts(ctx context.Context, pc PipelineContext, report *models.RunReport) ([]artifact, error) {
	results, err := s.opts.Ledger.KittelResults(ctx, pc.SampleID, pc.Temperature)
	if err != nil {
		return nil, fmt.Errorf("failed to read kittel summary: %w", err)
	}
	heat, err := s.corrector.Correct(pc.Grid)
	if err != nil {
		return nil, err
	}

	return []artifact{
		{ArtifactTable, storage.ContentTypeCSV, func(b *bytes.Buffer) error { return aggregate.WriteTable(b, pc.Table) }},
		{ArtifactMatrix, storage.ContentTypeCSV, func(b *bytes.Buffer) error { return interpolate.WriteMatrix(b, pc.Grid.Signal) }},
		{ArtifactFieldAxis, storage.ContentTypeCSV, func(b *bytes.Buffer) error { return interpolate.WriteAxis(b, pc.Grid.Field) }},
		{ArtifactFreqAxis, storage.ContentTypeCSV, func(b *bytes.Buffer) error { return interpolate.WriteAxis(b, pc.Grid.Frequencies) }},
		{ArtifactHeatmap, storage.ContentTypeCSV, func(b *bytes.Buffer) error { return interpolate.WriteMatrix(b, heat.Values) }},
		{ArtifactKittel, storage.ContentTypeJSON, func(b *bytes.Buffer) error { return json.NewEncoder(b).Encode(results) }},
		{ArtifactRunReport, storage.ContentTypeJSON, func(b *bytes.Buffer) error { return json.NewEncoder(b).Encode(report) }},
	}, nil
}

// persist writes the tables of one finished temperature to the output
// directory next to the ledgers.
func (s *pipelineService) persist(ctx context.Context, pc PipelineContext, report *models.RunReport) error {
	artifacts, err := s.artifacts(ctx, pc, report)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.opts.OutputRoot, pc.SampleID, models.FormatTemperature(pc.Temperature)+"K")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, a := range artifacts {
		var buf bytes.Buffer
		if err := a.write(&buf); err != nil {
			return fmt.Errorf("failed to render %s: %w", a.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, a.name), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", a.name, err)
		}
	}
	return nil
}

// readArtifact loads one artifact from the output directory, falling back to
// the artifact store.
func (s *pipelineService) readArtifact(ctx context.Context, sampleID string, temperature float64, name string) ([]byte, error) {
	if s.opts.OutputRoot != "" {
		data, err := os.ReadFile(filepath.Join(s.opts.OutputRoot, sampleID, models.FormatTemperature(temperature)+"K", name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) || s.opts.Store == nil {
			return nil, err
		}
	}
	if s.opts.Store == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNoArtifactStore, name)
	}
	return s.opts.Store.Download(ctx, storage.ArtifactKey(sampleID, temperature, name))
}

// publish uploads the tables of one finished temperature.
func (s *pipelineService) publish(ctx context.Context, pc PipelineContext, report *models.RunReport) error {
	artifacts, err := s.artifacts(ctx, pc, report)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		var buf bytes.Buffer
		if err := a.write(&buf); err != nil {
			return fmt.Errorf("failed to render %s: %w", a.name, err)
		}
		key := storage.ArtifactKey(pc.SampleID, pc.Temperature, a.name)
		if err := s.opts.Store.Upload(ctx, key, buf.Bytes(), a.contentType); err != nil {
			return err
		}
		log.Debug().Str("key", key).Int("bytes", buf.Len()).Msg("Artifact published")
	}
	return nil
}
