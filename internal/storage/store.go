// Package storage publishes pipeline artifacts (tables, matrices, ledgers)
// to object storage.
package storage

import (
	"context"
	"fmt"
	"path"

	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

// Content types accepted by every store.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
)

// ArtifactStore handles artifact storage operations
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	DownloadURL(ctx context.Context, key string) (string, error)
}

// ArtifactKey is the object key of one artifact of a (sample, temperature).
func ArtifactKey(sampleID string, temperature float64, name string) string {
	return path.Join(sampleID, models.FormatTemperature(temperature)+"K", name)
}

// ValidateContentType validates that the content type is supported
func ValidateContentType(contentType string) error {
	switch contentType {
	case ContentTypeCSV, ContentTypeJSON:
		return nil
	default:
		return fmt.Errorf("invalid content type: %s. Supported types: %s, %s", contentType, ContentTypeCSV, ContentTypeJSON)
	}
}
