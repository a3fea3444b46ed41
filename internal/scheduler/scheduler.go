// Package scheduler runs the background maintenance sweeps on cron
// schedules: the provider registry health pass, the session age sweep, and
// the progress fabric cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/registry"
	"github.com/jmylchreest/marketpipe/internal/repository"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/session"
)

// Dependencies bundles the components the sweeps operate on. A nil
// dependency skips the jobs that need it.
type Dependencies struct {
	Registry *registry.Registry
	Sessions *session.Manager
	Journal  repository.StageExecutionRepository
	Store    *artifact.Store
	Fabric   *progressfabric.Fabric
}

// Scheduler owns the cron loop for the periodic maintenance jobs. Job
// specs come from configuration as 6-field cron expressions or @every
// descriptors.
type Scheduler struct {
	mu sync.Mutex

	cron   *cron.Cron
	cfg    config.SchedulerConfig
	logger *slog.Logger

	registry *registry.Registry
	sessions *session.Manager
	journal  repository.StageExecutionRepository
	store    *artifact.Store
	fabric   *progressfabric.Fabric

	sessionCfg config.SessionConfig

	jobs []JobInfo
	ids  map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// JobInfo describes one registered job for status surfaces.
type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

// New builds the scheduler and registers the configured jobs. A disabled
// scheduler registers nothing and Start becomes a no-op.
func New(cfg config.SchedulerConfig, sessionCfg config.SessionConfig, deps Dependencies, logger *slog.Logger) (*Scheduler, error) {
	log := observability.WithComponent(logger, "scheduler")
	clog := cronLogger{logger: log}

	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		cfg:        cfg,
		logger:     log,
		registry:   deps.Registry,
		sessions:   deps.Sessions,
		journal:    deps.Journal,
		store:      deps.Store,
		fabric:     deps.Fabric,
		sessionCfg: sessionCfg,
		ids:        map[string]cron.EntryID{},
	}

	if !cfg.Enabled {
		return s, nil
	}

	if s.registry != nil {
		if err := s.register("registry-health", cfg.RegistryHealth, s.registryHealth); err != nil {
			return nil, err
		}
	}
	if s.sessions != nil {
		if err := s.register("session-sweep", cfg.SessionSweep, s.sessionSweep); err != nil {
			return nil, err
		}
	}
	if s.fabric != nil {
		if err := s.register("progress-sweep", cfg.ProgressSweep, s.progressSweep); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) register(name, spec string, run func()) error {
	id, err := s.cron.AddFunc(spec, run)
	if err != nil {
		return fmt.Errorf("registering %s job (%q): %w", name, spec, err)
	}
	s.jobs = append(s.jobs, JobInfo{Name: name, Spec: spec})
	s.ids[name] = id
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.ctx != nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	if started {
		s.logger.Info("scheduler stopped")
	}
}

// Jobs returns the registered jobs with their next and previous run times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, len(s.jobs))
	copy(out, s.jobs)
	for i := range out {
		entry := s.cron.Entry(s.ids[out[i].Name])
		out[i].Next = entry.Next
		out[i].Prev = entry.Prev
	}
	return out
}

// runCtx returns the lifecycle context for a job invocation. Jobs caught
// mid-shutdown fall back to a background context so their final writes
// still land.
func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// registryHealth re-evaluates parked provider endpoints.
func (s *Scheduler) registryHealth() {
	s.registry.HealthPass()
}

// sessionSweep archives and removes sessions past the retention age, then
// prunes the artifact trees and journal rows of the same vintage.
func (s *Scheduler) sessionSweep() {
	maxAge := s.sessionCfg.MaxAge()

	swept, err := s.sessions.SweepOld(maxAge, s.sessionCfg.ArchiveOnSweep)
	if err != nil {
		s.logger.Error("session sweep failed", slog.String("error", err.Error()))
	}

	artifactsRemoved := 0
	if s.store != nil {
		artifactsRemoved, err = s.store.Cleanup(maxAge)
		if err != nil {
			s.logger.Error("artifact cleanup failed", slog.String("error", err.Error()))
		}
	}

	var journalRows int64
	if s.journal != nil {
		journalRows, err = s.journal.DeleteOlderThan(s.runCtx(), time.Now().Add(-maxAge))
		if err != nil {
			s.logger.Error("journal retention sweep failed", slog.String("error", err.Error()))
		}
	}

	if swept > 0 || artifactsRemoved > 0 || journalRows > 0 {
		s.logger.Info("session sweep finished",
			slog.Int("sessions_swept", swept),
			slog.Int("artifacts_removed", artifactsRemoved),
			slog.Int64("journal_rows_pruned", journalRows))
	}
}

// progressSweep evicts completed progress sessions past the grace period.
func (s *Scheduler) progressSweep() {
	if removed := s.fabric.Cleanup(s.fabric.Grace()); removed > 0 {
		s.logger.Debug("progress sweep finished", slog.Int("removed", removed))
	}
}

// cronLogger adapts slog to the logger interface the cron job wrappers
// expect.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, slog.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg,
		slog.String("error", err.Error()),
		slog.Any("details", keysAndValues))
}
