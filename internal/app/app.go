package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/aggregate"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/baseline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/config"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/kittel"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/peakfit"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/pipeline"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository/filesystem"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/repository/postgres"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/storage"
)

// App holds the wired pipeline and the resources it owns.
type App struct {
	Config  *config.Config
	Service pipeline.Service

	db *sql.DB
}

// SetLogLevel applies LOG_LEVEL to the global zerolog level.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// New wires ledgers, artifact storage and the pipeline service from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	ledger, err := a.ledger(cfg.Ledger, cfg.Data.OutputRoot)
	if err != nil {
		return nil, err
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	layout := aggregate.Layout{
		Pattern:      cfg.Data.FilePattern,
		HeaderLines:  cfg.Data.HeaderLines,
		Delimiter:    cfg.Data.DelimiterRune(),
		FieldColumn:  cfg.Data.FieldColumn,
		SignalColumn: cfg.Data.SignalColumn,
	}

	a.Service = pipeline.NewService(pipeline.Options{
		Aggregator:     aggregate.NewAggregator(cfg.Data.Root, layout),
		Peaks:          peakfit.NewEngine(cfg.Fit.PeakMaxIterations),
		Kittel:         kittel.NewEngine(cfg.Fit.KittelMaxIterations),
		Ledger:         ledger,
		Store:          store,
		OutputRoot:     cfg.Data.OutputRoot,
		Baseline:       baseline.Window{Offset: cfg.Baseline.Offset, Width: cfg.Baseline.Width},
		Range:          cfg.Data.Frequencies,
		FitConcurrency: cfg.Fit.Concurrency,
	})

	log.Info().
		Str("data_root", cfg.Data.Root).
		Str("output_root", cfg.Data.OutputRoot).
		Str("ledger", cfg.Ledger.Backend).
		Str("artifacts", cfg.Storage.Backend).
		Int("fit_concurrency", cfg.Fit.Concurrency).
		Msg("Pipeline ready")

	return a, nil
}

// Close releases the database connection, if any.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
		a.db = nil
	}
}

func (a *App) ledger(cfg config.LedgerConfig, outputRoot string) (repository.LedgerRepository, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		return postgres.NewPostgresLedgerRepository(db), nil
	default:
		return filesystem.NewLedger(outputRoot), nil
	}
}

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.ArtifactStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Store(storage.S3Config{
			Bucket:    cfg.Bucket,
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
		})
	case "minio":
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
			Bucket:    cfg.Bucket,
		})
	default:
		return nil, nil
	}
}
