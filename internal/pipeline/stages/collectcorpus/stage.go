// Package collectcorpus implements the corpus collection pipeline stage.
package collectcorpus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/pipeline/shared"
	"github.com/jmylchreest/marketpipe/internal/search"
)

const (
	// StageID is the unique identifier for this stage.
	StageID = "collect_corpus"
	// StageName is the human-readable name for this stage.
	StageName = "Corpus Collection"
)

// Stage collects the massive corpus for the session brief across all
// intelligence streams.
type Stage struct {
	shared.BaseStage
	search   *search.Orchestrator
	baseStep int
	logger   *slog.Logger
}

// New creates a new corpus collection stage. baseStep positions the
// stage's progress updates inside the run's step sequence.
func New(search *search.Orchestrator, baseStep int, logger *slog.Logger) *Stage {
	s := &Stage{
		BaseStage: shared.NewBaseStage(StageID, StageName),
		search:    search,
		baseStep:  baseStep,
	}
	if logger != nil {
		s.logger = logger.With("stage", StageID)
	}
	return s
}

// Execute collects the corpus and leaves it on the state for the study
// stage. The collector persists the corpus artifact itself.
func (s *Stage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	result := shared.NewResult()

	s.log(ctx, slog.LevelInfo, "starting corpus collection",
		slog.String("segment", state.Brief.Segment),
		slog.String("product", state.Brief.Product))

	corpus, err := s.search.Collect(ctx, state.SessionID, state.Brief, s.baseStep)
	if err != nil {
		return result, fmt.Errorf("collecting corpus: %w", err)
	}
	state.Corpus = corpus

	result.ItemsProcessed = corpus.Metadata.ResultCount
	result.Message = fmt.Sprintf("Collected %d results across %d streams",
		corpus.Metadata.ResultCount, corpus.PopulatedStreams())

	s.log(ctx, slog.LevelInfo, "corpus collection complete",
		slog.Int("result_count", corpus.Metadata.ResultCount),
		slog.Int("populated_streams", corpus.PopulatedStreams()),
		slog.Int64("size_bytes", corpus.Metadata.SizeBytes))

	artifact := core.NewArtifact(core.ArtifactCorpus, StageID).
		WithItemCount(corpus.Metadata.ResultCount).
		WithSize(corpus.Metadata.SizeBytes)
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
