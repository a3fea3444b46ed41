// Package buildexpertise implements the expertise study pipeline stage.
package buildexpertise

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/pipeline/shared"
	"github.com/jmylchreest/marketpipe/internal/study"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "build_expertise"
	// StageName is the human-readable name for this stage.
	StageName = "Expertise Study"
)

// Stage runs the time-budgeted study phases over the collected corpus and
// produces the expertise artifact.
type Stage struct {
	shared.BaseStage
	study    *study.Orchestrator
	baseStep int
	logger   *slog.Logger
}

// New creates a new expertise study stage. baseStep positions the stage's
// progress updates inside the run's step sequence.
func New(study *study.Orchestrator, baseStep int, logger *slog.Logger) *Stage {
	s := &Stage{
		BaseStage: shared.NewBaseStage(StageID, StageName),
		study:     study,
		baseStep:  baseStep,
	}
	if logger != nil {
		s.logger = logger.With("stage", StageID)
	}
	return s
}

// Execute studies the corpus on the state and leaves the expertise
// artifact there for the report stage. The corpus must be present, either
// from a collection stage earlier in the run or seeded from the store.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	if state.Corpus == nil {
		return result, core.Errorf(core.KindStageInputMissing, StageID,
			"no corpus available for session %s: %w", state.SessionID, core.ErrStageOutOfOrder)
	}

	s.log(ctx, slog.LevelInfo, "starting expertise study",
		slog.Int("budget_minutes", state.StudyMinutes),
		slog.Int64("corpus_bytes", state.Corpus.Metadata.SizeBytes))

	expertise, err := s.study.Study(ctx, state.SessionID, state.Corpus, state.StudyMinutes, s.baseStep)
	if err != nil {
		return result, fmt.Errorf("studying corpus: %w", err)
	}
	state.Expertise = expertise

	result.ItemsProcessed = len(expertise.Study.PhasesCompleted)
	result.Message = fmt.Sprintf("Completed %d study phases, expertise level %.1f",
		len(expertise.Study.PhasesCompleted), expertise.ExpertiseLevel)

	s.log(ctx, slog.LevelInfo, "expertise study complete",
		slog.Int("phases_completed", len(expertise.Study.PhasesCompleted)),
		slog.Float64("expertise_level", expertise.ExpertiseLevel),
		slog.Float64("confidence", expertise.Confidence),
		slog.Int64("volume_processed", expertise.VolumeProcessed))

	artifact := core.NewArtifact(core.ArtifactExpertise, StageID).
		WithItemCount(expertise.PatternsIdentified())
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
