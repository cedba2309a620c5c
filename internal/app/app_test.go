package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/config"
	"github.com/CharlieGPA40/QuDAP-sub002/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Data: config.DataConfig{
			Root:         t.TempDir(),
			OutputRoot:   t.TempDir(),
			Frequencies:  models.FrequencyRange{Bottom: 5, Top: 7, Step: 1},
			FilePattern:  "{sample}/{temperature}K/{frequency}GHz.csv",
			HeaderLines:  1,
			Delimiter:    ",",
			SignalColumn: 1,
		},
		Fit:      config.FitConfig{PeakMaxIterations: 100, KittelMaxIterations: 100, Concurrency: 2},
		Baseline: config.BaselineConfig{Offset: 10, Width: 100},
		Ledger:   config.LedgerConfig{Backend: "filesystem"},
	}
}

func TestNew_FilesystemLedger(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Service)
	assert.Nil(t, a.db)

	results, err := a.Service.KittelResults(context.Background(), "S1", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNew_MissingDataRootFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Root = filepath.Join(t.TempDir(), "missing")
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = a.Service.Grid(context.Background(), "S1", 10)
	assert.ErrorIs(t, err, models.ErrMissingRoot)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Backend: "s3", Region: "us-east-1"}

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	SetLogLevel("DEBUG")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	SetLogLevel("nonsense")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
