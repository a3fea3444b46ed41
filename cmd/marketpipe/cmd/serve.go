package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	internalhttp "github.com/jmylchreest/marketpipe/internal/http"
	"github.com/jmylchreest/marketpipe/internal/http/handlers"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/scheduler"
	"github.com/jmylchreest/marketpipe/internal/service/logs"
	"github.com/jmylchreest/marketpipe/internal/startup"
	"github.com/jmylchreest/marketpipe/internal/version"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the marketpipe API server",
	Long: `Start the marketpipe REST API server.

The server exposes the pipeline operations under /api/v1, live progress
and log streams over SSE, interactive API documentation at /docs, and
Prometheus metrics at /metrics. Background maintenance sweeps run on the
configured cron schedules.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Like the logging flags these override the loaded config only when
	// explicitly set.
	serveCmd.Flags().String("host", "", "listen address")
	serveCmd.Flags().Int("port", 0, "listen port")
	serveCmd.Flags().String("artifact-root", "", "base directory for session state and artifacts")
	serveCmd.Flags().String("database-dsn", "", "execution journal DSN")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("artifact-root") {
		cfg.Storage.ArtifactRoot, _ = cmd.Flags().GetString("artifact-root")
	}
	if cmd.Flags().Changed("database-dsn") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database-dsn")
	}

	// Tee log records into the in-memory buffer behind /api/v1/logs and
	// the log stream before anything else logs.
	logsService := logs.New()
	logger = slog.New(logsService.WrapHandler(logger.Handler()))
	slog.SetDefault(logger)

	metrics := observability.NewDefaultMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := buildStack(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer stack.Close()

	if removed, err := startup.CleanupOrphanedTempFiles(logger, stack.sandbox, startup.DefaultCleanupAge); err != nil {
		logger.Warn("temp file cleanup failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned up orphaned temp files", slog.Int("count", removed))
	}
	if recovered, err := startup.RecoverStaleExecutions(ctx, logger, stack.journal); err != nil {
		logger.Warn("stale execution recovery failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		logger.Info("recovered stale executions", slog.Int("count", recovered))
	}

	sched, err := scheduler.New(cfg.Scheduler, cfg.Session, scheduler.Dependencies{
		Registry: stack.registry,
		Sessions: stack.sessions,
		Journal:  stack.journal,
		Store:    stack.store,
		Fabric:   stack.fabric,
	}, logger)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	docsHandler := handlers.NewDocsHandler("marketpipe API", "/openapi.yaml", handlers.WithSystemTheme())
	server.Router().Get("/docs", docsHandler.ServeHTTP)
	server.Router().Handle("/metrics", promhttp.Handler())

	pipelineHandler := handlers.NewPipelineHandler(stack.pipeline, stack.sessions, logger)
	pipelineHandler.Register(server.API())

	sessionHandler := handlers.NewSessionHandler(stack.sessions, stack.store, stack.fabric, stack.pipeline, logger)
	sessionHandler.Register(server.API())
	sessionHandler.RegisterReportRoute(server.Router())

	healthHandler := handlers.NewHealthHandler(stack.health, version.Version)
	healthHandler.Register(server.API())

	providerHandler := handlers.NewProviderHandler(stack.registry)
	providerHandler.Register(server.API())

	progressHandler := handlers.NewProgressHandler(stack.fabric, logger)
	progressHandler.RegisterSSE(server.Router())

	logsHandler := handlers.NewLogsHandler(logsService, logger)
	logsHandler.Register(server.API())
	logsHandler.RegisterSSE(server.Router())

	var jobs handlers.JobLister
	if cfg.Scheduler.Enabled {
		jobs = sched
	}
	systemHandler := handlers.NewSystemHandler(jobs)
	systemHandler.Register(server.API())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting marketpipe server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version))

	return server.ListenAndServe(ctx)
}
