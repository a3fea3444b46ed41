// Package compilereport implements the report compilation pipeline stage.
package compilereport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/pipeline/shared"
	"github.com/jmylchreest/marketpipe/internal/report"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "compile_report"
	// StageName is the human-readable name for this stage.
	StageName = "Report Compilation"
)

// Stage assembles the final markdown report from the module artifacts the
// earlier stages persisted.
type Stage struct {
	shared.BaseStage
	compiler *report.Compiler
	baseStep int
	logger   *slog.Logger
}

// New creates a new report compilation stage. baseStep positions the
// stage's progress updates inside the run's step sequence.
func New(compiler *report.Compiler, baseStep int, logger *slog.Logger) *Stage {
	s := &Stage{
		BaseStage: shared.NewBaseStage(StageID, StageName),
		compiler:  compiler,
		baseStep:  baseStep,
	}
	if logger != nil {
		s.logger = logger.With("stage", StageID)
	}
	return s
}

// Execute compiles whatever module artifacts exist for the session into
// the final report. Missing modules degrade the report rather than fail
// the stage; the compiler records them in the report statistics.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	s.log(ctx, slog.LevelInfo, "starting report compilation")

	final, err := s.compiler.Compile(ctx, state.SessionID, s.baseStep)
	if err != nil {
		return result, fmt.Errorf("compiling report: %w", err)
	}
	state.Report = final

	result.ItemsProcessed = final.Stats.ModulesCompiled
	result.Message = fmt.Sprintf("Compiled %d of %d modules into %s",
		final.Stats.ModulesCompiled, final.Stats.ModulesExpected, final.Stats.Path)

	s.log(ctx, slog.LevelInfo, "report compilation complete",
		slog.Int("modules_compiled", final.Stats.ModulesCompiled),
		slog.Int("modules_expected", final.Stats.ModulesExpected),
		slog.Int("estimated_pages", final.Stats.EstimatedPages),
		slog.String("path", final.Stats.Path))

	artifact := core.NewArtifact(core.ArtifactReport, StageID).
		WithPath(final.Stats.Path).
		WithItemCount(final.Stats.ModulesCompiled).
		WithSize(int64(len(final.Markdown)))
	result.Artifacts = append(result.Artifacts, artifact)

	return result, nil
}

// log logs a message if the logger is set.
func (s *Stage) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Log(ctx, level, msg, attrs...)
	}
}

// Ensure Stage implements core.Stage.
var _ core.Stage = (*Stage)(nil)
