// Package pipeline coordinates the three-stage market-analysis run. Each
// stage implements the core.Stage interface and operates on shared state.
//
// The pipeline is organized into several sub-packages:
//   - core: Orchestrator, interfaces, and base types
//   - shared: Utilities shared between stages
//   - stages/*: Individual stage implementations
//
// The Pipeline facade owns run dispatch: it resolves the session, gates
// standalone stages on their persisted inputs, journals every execution,
// and drives the progress fabric for the run as a whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/health"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/buildexpertise"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/collectcorpus"
	"github.com/jmylchreest/marketpipe/internal/pipeline/stages/compilereport"
	"github.com/jmylchreest/marketpipe/internal/report"
	"github.com/jmylchreest/marketpipe/internal/repository"
	"github.com/jmylchreest/marketpipe/internal/search"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/session"
	"github.com/jmylchreest/marketpipe/internal/study"
)

// Re-export core types for convenience.
type (
	// Stage is a single step in the pipeline.
	Stage = core.Stage

	// State holds shared data between stages.
	State = core.State

	// Result is the outcome of pipeline execution.
	Result = core.Result

	// StageResult is the outcome of a single stage.
	StageResult = core.StageResult

	// StageError wraps an error with stage context.
	StageError = core.StageError

	// Artifact represents stage output.
	Artifact = core.Artifact
)

// Re-export errors.
var (
	ErrSessionAlreadyActive = core.ErrSessionAlreadyActive
	ErrStageOutOfOrder      = core.ErrStageOutOfOrder
	ErrUnknownStage         = core.ErrUnknownStage
)

// Stage IDs for reference.
const (
	StageIDCollectCorpus  = collectcorpus.StageID
	StageIDBuildExpertise = buildexpertise.StageID
	StageIDCompileReport  = compilereport.StageID
)

// tempDirName is the scratch subtree under the artifact root.
const tempDirName = "tmp"

// RunMode identifies what a single pipeline execution covers.
type RunMode string

const (
	// ModeFull runs all three stages.
	ModeFull RunMode = "full"
	// ModeStage1 runs corpus collection alone.
	ModeStage1 RunMode = "stage1"
	// ModeStage2 runs the study alone from a persisted corpus.
	ModeStage2 RunMode = "stage2"
	// ModeStage3 runs report compilation alone.
	ModeStage3 RunMode = "stage3"
)

// journalStage maps the mode to the journal's stage column. Zero marks a
// full-pipeline record.
func (m RunMode) journalStage() int {
	switch m {
	case ModeStage1:
		return 1
	case ModeStage2:
		return 2
	case ModeStage3:
		return 3
	default:
		return 0
	}
}

// totalSteps is the progress step total this mode reports against.
func (m RunMode) totalSteps() int {
	switch m {
	case ModeStage1:
		return search.StepCount
	case ModeStage2:
		return study.StepCount
	case ModeStage3:
		return report.StepCount
	default:
		return models.DefaultPipelineSteps
	}
}

// Dependencies bundles everything the pipeline facade needs.
type Dependencies struct {
	Search   *search.Orchestrator
	Study    *study.Orchestrator
	Report   *report.Compiler
	Sessions *session.Manager
	Journal  repository.StageExecutionRepository
	Store    *artifact.Store
	Fabric   *progressfabric.Fabric
	Health   *health.Aggregator
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

func (d Dependencies) validate() error {
	missing := ""
	switch {
	case d.Search == nil:
		missing = "search orchestrator"
	case d.Study == nil:
		missing = "study orchestrator"
	case d.Report == nil:
		missing = "report compiler"
	case d.Sessions == nil:
		missing = "session manager"
	case d.Journal == nil:
		missing = "execution journal"
	case d.Store == nil:
		missing = "artifact store"
	case d.Fabric == nil:
		missing = "progress fabric"
	case d.Health == nil:
		missing = "health aggregator"
	}
	if missing != "" {
		return core.Errorf(core.KindConfigMissing, "pipeline.new", "%s is required", missing)
	}
	return nil
}

// stagePlan pairs a stage implementation with its pipeline position.
type stagePlan struct {
	number models.Stage
	stage  core.Stage
}

// runSpec describes one execution for the shared run path.
type runSpec struct {
	mode RunMode
	plan []stagePlan
	// seed primes the state with persisted inputs before stages run.
	seed func(*core.State)
}

// Pipeline is the master orchestrator facade. Safe for concurrent use;
// concurrent runs for the same session are rejected.
type Pipeline struct {
	search   *search.Orchestrator
	study    *study.Orchestrator
	report   *report.Compiler
	sessions *session.Manager
	journal  repository.StageExecutionRepository
	store    *artifact.Store
	fabric   *progressfabric.Fabric
	health   *health.Aggregator
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time

	// planner builds the stage sequence for a mode. Tests swap it to run
	// scripted stages through the full dispatch path.
	planner func(mode RunMode) []stagePlan
}

// New wires the pipeline facade from its dependencies.
func New(deps Dependencies) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		search:   deps.Search,
		study:    deps.Study,
		report:   deps.Report,
		sessions: deps.Sessions,
		journal:  deps.Journal,
		store:    deps.Store,
		fabric:   deps.Fabric,
		health:   deps.Health,
		logger:   observability.WithComponent(logger, "pipeline"),
		metrics:  deps.Metrics,
		cancels:  map[string]context.CancelFunc{},
		now:      time.Now,
	}
	p.planner = p.defaultPlan
	return p, nil
}

// defaultPlan builds the real stage sequence for a mode. In full mode the
// stages report progress on consecutive step bands; standalone stages
// start their band at zero.
func (p *Pipeline) defaultPlan(mode RunMode) []stagePlan {
	studyBase, reportBase := 0, 0
	if mode == ModeFull {
		studyBase = search.StepCount
		reportBase = search.StepCount + study.StepCount
	}

	collect := stagePlan{models.StageCollection, collectcorpus.New(p.search, 0, p.logger)}
	buildExp := stagePlan{models.StageStudy, buildexpertise.New(p.study, studyBase, p.logger)}
	compile := stagePlan{models.StageReport, compilereport.New(p.report, reportBase, p.logger)}

	switch mode {
	case ModeStage1:
		return []stagePlan{collect}
	case ModeStage2:
		return []stagePlan{buildExp}
	case ModeStage3:
		return []stagePlan{compile}
	default:
		return []stagePlan{collect, buildExp, compile}
	}
}

// RunFull executes all three stages for a session. An empty sessionID
// creates a new session from the brief; otherwise the run resumes the
// existing session and its stored brief.
func (p *Pipeline) RunFull(ctx context.Context, brief models.Brief, sessionID string) (*Result, error) {
	sess, err := p.ensureSession(brief, sessionID)
	if err != nil {
		return nil, err
	}

	minutes := brief.StudyMinutes
	if minutes <= 0 {
		minutes = sess.Brief.StudyMinutes
	}
	return p.run(ctx, sess, runSpec{
		mode: ModeFull,
		plan: p.planner(ModeFull),
		seed: func(st *core.State) { st.StudyMinutes = minutes },
	})
}

// RunStage1 executes corpus collection alone.
func (p *Pipeline) RunStage1(ctx context.Context, brief models.Brief, sessionID string) (*Result, error) {
	sess, err := p.ensureSession(brief, sessionID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, sess, runSpec{mode: ModeStage1, plan: p.planner(ModeStage1)})
}

// RunStage2 executes the study alone, seeded from the session's persisted
// corpus artifact. Without one the run is rejected before it starts.
func (p *Pipeline) RunStage2(ctx context.Context, sessionID string, minutes int) (*Result, error) {
	const op = "pipeline.run_stage2"

	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var corpus models.MassiveCorpus
	if err := p.store.LoadStageJSON(sessionID, string(core.ArtifactCorpus), &corpus); err != nil {
		if errors.Is(err, models.ErrArtifactNotFound) {
			if !sess.HasCompleted(models.StageCollection) {
				return nil, core.Errorf(core.KindStageInputMissing, op,
					"session %s has no collected corpus: %w", sessionID, core.ErrStageOutOfOrder)
			}
			return nil, core.Errorf(core.KindStageInputMissing, op,
				"corpus artifact missing for session %s", sessionID)
		}
		return nil, core.NewError(core.KindPersistenceFailure, op, err)
	}

	if minutes <= 0 {
		minutes = sess.Brief.StudyMinutes
	}
	return p.run(ctx, sess, runSpec{
		mode: ModeStage2,
		plan: p.planner(ModeStage2),
		seed: func(st *core.State) {
			st.Corpus = &corpus
			st.StudyMinutes = minutes
		},
	})
}

// RunStage3 executes report compilation alone. The session must have a
// persisted expertise artifact from Stage 2.
func (p *Pipeline) RunStage3(ctx context.Context, sessionID string) (*Result, error) {
	const op = "pipeline.run_stage3"

	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	files, err := p.store.ListStageFiles(sessionID)
	if err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, op, err)
	}
	if _, ok := files[string(core.ArtifactExpertise)]; !ok {
		if !sess.HasCompleted(models.StageStudy) {
			return nil, core.Errorf(core.KindStageInputMissing, op,
				"session %s has no expertise artifact: %w", sessionID, core.ErrStageOutOfOrder)
		}
		return nil, core.Errorf(core.KindStageInputMissing, op,
			"expertise artifact missing for session %s", sessionID)
	}

	return p.run(ctx, sess, runSpec{mode: ModeStage3, plan: p.planner(ModeStage3)})
}

// RunStage dispatches a numbered stage run.
func (p *Pipeline) RunStage(ctx context.Context, stage int, brief models.Brief, sessionID string, minutes int) (*Result, error) {
	switch stage {
	case 1:
		return p.RunStage1(ctx, brief, sessionID)
	case 2:
		return p.RunStage2(ctx, sessionID, minutes)
	case 3:
		return p.RunStage3(ctx, sessionID)
	default:
		return nil, fmt.Errorf("stage %d: %w", stage, core.ErrUnknownStage)
	}
}

// Cancel signals the active run for a session to stop. Returns false when
// no run is in flight for that session.
func (p *Pipeline) Cancel(sessionID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[sessionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll signals every active run and returns how many were signalled.
func (p *Pipeline) CancelAll() int {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Active returns the session ids with runs in flight, sorted.
func (p *Pipeline) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.cancels))
	for id := range p.cancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats aggregates the execution journal.
func (p *Pipeline) Stats(ctx context.Context) (*models.ExecutionStats, error) {
	return p.journal.Stats(ctx)
}

// HealthCheck composes the component health report.
func (p *Pipeline) HealthCheck(ctx context.Context) *health.Report {
	return p.health.Check(ctx)
}

// ensureSession resolves the target session, creating one from the brief
// when no id is given.
func (p *Pipeline) ensureSession(brief models.Brief, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return p.sessions.Create(brief)
	}
	return p.sessions.Get(sessionID)
}

// run is the shared execution path: it guards against duplicate runs,
// journals the execution, drives the progress fabric, and finalizes the
// session record.
func (p *Pipeline) run(ctx context.Context, sess *models.Session, spec runSpec) (*Result, error) {
	sessionID := sess.SessionID

	runCtx, cancel := context.WithCancel(ctx)
	if !p.registerCancel(sessionID, cancel) {
		cancel()
		return nil, core.ErrSessionAlreadyActive
	}
	defer p.releaseCancel(sessionID)
	defer cancel()

	exec := models.NewStageExecution(sessionID, spec.mode.journalStage())
	if err := p.journal.Create(runCtx, exec); err != nil {
		// The journal is bookkeeping; a failed insert must not block the run.
		p.logger.Warn("failed to journal execution start",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		exec = nil
	}

	p.fabric.StartSession(sessionID, spec.mode.totalSteps())

	state := core.NewState(sess)
	if spec.seed != nil {
		spec.seed(state)
	}

	stages := make([]core.Stage, 0, len(spec.plan))
	for _, pl := range spec.plan {
		stages = append(stages, &trackedStage{
			Stage:    pl.stage,
			number:   pl.number,
			sess:     sess,
			sessions: p.sessions,
			metrics:  p.metrics,
			logger:   p.logger,
			now:      p.now,
		})
	}

	p.logger.InfoContext(runCtx, "pipeline run starting",
		slog.String("session_id", sessionID),
		slog.String("mode", string(spec.mode)),
		slog.Int("stages", len(stages)))

	orch := core.NewOrchestrator(state, stages, filepath.Join(p.store.Root(), tempDirName), p.logger)
	result, err := orch.Execute(runCtx)

	p.finishJournal(ctx, exec, err)
	p.finishSession(sess, err)
	p.finishProgress(sessionID, err)

	return result, err
}

// finishJournal stamps the journal row with the run's terminal status.
func (p *Pipeline) finishJournal(ctx context.Context, exec *models.StageExecution, runErr error) {
	if exec == nil {
		return
	}
	switch {
	case runErr == nil:
		exec.MarkCompleted()
	case runCancelled(runErr):
		exec.MarkCancelled()
	default:
		exec.MarkFailed(runErr)
	}

	// The run context may already be cancelled; the terminal journal write
	// still has to land.
	if err := p.journal.Save(context.WithoutCancel(ctx), exec); err != nil {
		p.logger.Warn("failed to journal execution finish",
			slog.String("session_id", exec.SessionID),
			slog.String("error", err.Error()))
	}
}

// finishSession promotes the session to completed once all three stages
// have finished. Per-stage transitions were already saved by the tracked
// stages.
func (p *Pipeline) finishSession(sess *models.Session, runErr error) {
	if runErr != nil {
		return
	}
	if !sess.HasCompleted(models.StageCollection) ||
		!sess.HasCompleted(models.StageStudy) ||
		!sess.HasCompleted(models.StageReport) {
		return
	}

	sess.MarkCompleted(p.now())
	if err := p.sessions.Save(sess); err != nil {
		p.logger.Warn("failed to persist completed session",
			slog.String("session_id", sess.SessionID),
			slog.String("error", err.Error()))
	}
}

// finishProgress publishes the terminal progress snapshot.
func (p *Pipeline) finishProgress(sessionID string, runErr error) {
	msg := ""
	switch {
	case runErr == nil:
	case runCancelled(runErr):
		msg = "cancelled"
	default:
		msg = fmt.Sprintf("failed: %v", runErr)
	}
	if err := p.fabric.Complete(sessionID, msg); err != nil {
		p.logger.Debug("failed to complete progress session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) registerCancel(sessionID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.cancels[sessionID]; exists {
		return false
	}
	p.cancels[sessionID] = cancel
	return true
}

func (p *Pipeline) releaseCancel(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, sessionID)
}
