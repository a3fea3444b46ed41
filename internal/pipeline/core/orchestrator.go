package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// activeExecutions tracks which sessions have pipelines running.
var (
	activeExecutions   = make(map[string]bool)
	activeExecutionsMu sync.Mutex
)

// Orchestrator executes a sequence of pipeline stages against a shared
// State. The caller seeds the State with the session, brief, and any
// persisted inputs before Execute.
type Orchestrator struct {
	stages   []Stage
	state    *State
	logger   *slog.Logger
	tempRoot string
}

// NewOrchestrator creates a new Orchestrator with the given stages.
// tempRoot is where the execution-scoped scratch directory is created.
func NewOrchestrator(state *State, stages []Stage, tempRoot string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		stages:   stages,
		state:    state,
		logger:   logger,
		tempRoot: tempRoot,
	}
}

// Execute runs all stages in sequence.
// Returns a Result with execution details and any errors.
func (o *Orchestrator) Execute(ctx context.Context) (*Result, error) {
	result := &Result{
		SessionID:    o.state.SessionID,
		Success:      false,
		StageResults: make(map[string]*StageResult),
	}

	// Prevent duplicate executions for the same session
	if !o.acquireExecution() {
		return result, ErrSessionAlreadyActive
	}
	defer o.releaseExecution()

	// Create temporary directory for intermediate files
	if err := os.MkdirAll(o.tempRoot, 0o755); err != nil {
		return result, fmt.Errorf("creating temp root: %w", err)
	}
	tempDir, err := os.MkdirTemp(o.tempRoot, fmt.Sprintf("run-%s-*", o.state.SessionID))
	if err != nil {
		return result, fmt.Errorf("creating temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			o.logger.Warn("failed to remove temp directory",
				slog.String("path", tempDir),
				slog.String("error", err.Error()),
			)
		} else {
			o.logger.Debug("removed temp directory",
				slog.String("path", tempDir),
			)
		}
	}()

	o.state.TempDir = tempDir

	o.logger.InfoContext(ctx, "starting pipeline execution",
		slog.String("session_id", o.state.SessionID),
		slog.String("segment", o.state.Brief.Segment),
		slog.Int("stage_count", len(o.stages)),
	)

	startTime := time.Now()

	// Execute each stage
	for i, stage := range o.stages {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, Errorf(KindCancelled, "pipeline", "execution cancelled: %w", ctx.Err()))
			result.Duration = time.Since(startTime)
			o.cleanupStages(ctx, o.stages[:i+1])
			return result, ctx.Err()
		default:
		}

		stageResult, err := o.executeStage(ctx, i, stage)
		result.StageResults[stage.ID()] = stageResult

		if err != nil {
			result.Errors = append(result.Errors, NewStageError(stage.ID(), stage.Name(), err))
			result.Duration = time.Since(startTime)
			o.cleanupStages(ctx, o.stages[:i+1])
			return result, err
		}

		// Release corpus memory before the next stage gets to work
		o.cleanupBetweenStages()
	}

	// Populate result
	result.Success = true
	result.Duration = time.Since(startTime)
	result.Errors = o.state.Errors
	if o.state.Report != nil {
		result.ReportPath = o.state.Report.Stats.Path
	}

	o.logger.InfoContext(ctx, "pipeline execution completed",
		slog.String("session_id", o.state.SessionID),
		slog.String("report_path", result.ReportPath),
		slog.Duration("duration", result.Duration),
		slog.Bool("success", result.Success),
	)

	// Cleanup all stages
	o.cleanupStages(ctx, o.stages)

	return result, nil
}

// executeStage runs a single stage and handles logging.
func (o *Orchestrator) executeStage(ctx context.Context, index int, stage Stage) (*StageResult, error) {
	stageStart := time.Now()

	o.logger.InfoContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", len(o.stages)),
		slog.String("stage_id", stage.ID()),
		slog.String("stage_name", stage.Name()),
	)

	stageResult, err := stage.Execute(ctx, o.state)
	if stageResult == nil {
		stageResult = &StageResult{}
	}
	stageResult.Duration = time.Since(stageStart)

	if err != nil {
		o.logger.ErrorContext(ctx, "stage failed",
			slog.String("stage_id", stage.ID()),
			slog.String("stage_name", stage.Name()),
			slog.String("error", err.Error()),
			slog.Duration("duration", stageResult.Duration),
		)
		return stageResult, err
	}

	// Register artifacts in state
	for _, artifact := range stageResult.Artifacts {
		o.state.AddArtifact(stage.ID(), artifact)
	}

	o.logger.InfoContext(ctx, "stage completed",
		slog.String("stage_id", stage.ID()),
		slog.String("stage_name", stage.Name()),
		slog.Duration("duration", stageResult.Duration),
		slog.Int("items_processed", stageResult.ItemsProcessed),
		slog.Int("artifacts_produced", len(stageResult.Artifacts)),
	)

	return stageResult, nil
}

// cleanupStages calls Cleanup on all given stages.
func (o *Orchestrator) cleanupStages(ctx context.Context, stages []Stage) {
	for _, stage := range stages {
		if err := stage.Cleanup(ctx); err != nil {
			o.logger.Warn("stage cleanup failed",
				slog.String("stage_id", stage.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// cleanupBetweenStages performs memory cleanup between pipeline stages.
func (o *Orchestrator) cleanupBetweenStages() {
	runtime.GC()
}

// acquireExecution tries to acquire the execution lock for this session.
func (o *Orchestrator) acquireExecution() bool {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()

	if activeExecutions[o.state.SessionID] {
		return false
	}
	activeExecutions[o.state.SessionID] = true
	return true
}

// releaseExecution releases the execution lock for this session.
func (o *Orchestrator) releaseExecution() {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()
	delete(activeExecutions, o.state.SessionID)
}

// State returns the current pipeline state (for testing).
func (o *Orchestrator) State() *State {
	return o.state
}

// Stages returns the configured stages (for testing).
func (o *Orchestrator) Stages() []Stage {
	return o.stages
}
