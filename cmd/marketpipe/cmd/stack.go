package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/marketpipe/internal/ai"
	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/database"
	"github.com/jmylchreest/marketpipe/internal/database/migrations"
	"github.com/jmylchreest/marketpipe/internal/health"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline"
	"github.com/jmylchreest/marketpipe/internal/registry"
	"github.com/jmylchreest/marketpipe/internal/report"
	"github.com/jmylchreest/marketpipe/internal/repository"
	"github.com/jmylchreest/marketpipe/internal/search"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/session"
	"github.com/jmylchreest/marketpipe/internal/storage"
	"github.com/jmylchreest/marketpipe/internal/study"
)

// stack bundles the wired pipeline components shared by the serve, run
// and health commands.
type stack struct {
	db       *database.DB
	sandbox  *storage.Sandbox
	store    *artifact.Store
	sessions *session.Manager
	registry *registry.Registry
	adapter  *ai.Adapter
	fabric   *progressfabric.Fabric
	journal  repository.StageExecutionRepository
	pipeline *pipeline.Pipeline
	health   *health.Aggregator

	logger *slog.Logger
}

// buildStack opens the execution journal, runs pending migrations, and
// wires the pipeline from configuration.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*stack, error) {
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening execution journal: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	sandbox, err := storage.NewSandbox(cfg.Storage.ArtifactRoot)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening artifact root: %w", err)
	}

	store := artifact.NewStore(sandbox, logger)
	sessions := session.NewManager(sandbox, logger)
	reg := registry.NewRegistry(cfg.Registry, cfg.Providers, logger, metrics)
	adapter := ai.NewAdapter(reg, cfg.AI, logger, metrics)
	fabric := progressfabric.NewFabric(cfg.Progress, logger, metrics)
	journal := repository.NewStageExecutionRepository(db.DB)

	searchOrch := search.NewOrchestrator(reg, store, fabric, cfg.Search, logger)
	studyOrch := study.NewOrchestrator(store, fabric, adapter, cfg.Study, cfg.AI, logger)
	reportComp, err := report.NewCompiler(store, fabric, cfg.Report, logger)
	if err != nil {
		reg.Close()
		_ = db.Close()
		return nil, fmt.Errorf("building report compiler: %w", err)
	}

	aggregator := health.NewAggregator(reg, adapter, store, db, logger)

	pipe, err := pipeline.New(pipeline.Dependencies{
		Search:   searchOrch,
		Study:    studyOrch,
		Report:   reportComp,
		Sessions: sessions,
		Journal:  journal,
		Store:    store,
		Fabric:   fabric,
		Health:   aggregator,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		reg.Close()
		_ = db.Close()
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	return &stack{
		db:       db,
		sandbox:  sandbox,
		store:    store,
		sessions: sessions,
		registry: reg,
		adapter:  adapter,
		fabric:   fabric,
		journal:  journal,
		pipeline: pipe,
		health:   aggregator,
		logger:   logger,
	}, nil
}

// Close releases the stack's resources. Safe to call once.
func (s *stack) Close() {
	s.registry.Close()
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing execution journal", slog.String("error", err.Error()))
	}
}
