// Package core provides the pipeline orchestration framework.
package core

import (
	"context"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// Stage represents one coarse phase of an analysis run. Each stage reads
// its inputs from shared State and records its outputs back into it.
type Stage interface {
	// ID returns a unique identifier for the stage (e.g. "collect_corpus").
	ID() string

	// Name returns a human-readable name for the stage (e.g. "Corpus Collection").
	Name() string

	// Execute performs the stage's work.
	Execute(ctx context.Context, state *State) (*StageResult, error)

	// Cleanup performs any necessary cleanup after execution.
	// Called regardless of success or failure.
	Cleanup(ctx context.Context) error
}

// State holds all data shared between stages for a single run.
type State struct {
	// SessionID is the analysis session being executed.
	SessionID string

	// Session is the session record. Stages read it; the run wrapper is
	// the only writer.
	Session *models.Session

	// Brief is the original user brief.
	Brief models.Brief

	// StudyMinutes is the requested study budget. Zero means the
	// configured default.
	StudyMinutes int

	// Corpus is the Stage 1 output, or the persisted corpus seeded for a
	// standalone Stage 2 run.
	Corpus *models.MassiveCorpus

	// Expertise is the Stage 2 output.
	Expertise *models.ExpertiseArtifact

	// Report is the Stage 3 output.
	Report *models.FinalReport

	// TempDir is the execution-scoped scratch directory. Removed when the
	// run finishes.
	TempDir string

	// StartTime records when the run began.
	StartTime time.Time

	// Errors collects non-fatal errors during execution.
	Errors []error

	// Artifacts holds durable outputs recorded by each stage.
	Artifacts map[string][]Artifact

	// Metadata stores arbitrary stage-specific data.
	Metadata map[string]any
}

// NewState creates run state for the given session.
func NewState(sess *models.Session) *State {
	return &State{
		SessionID: sess.SessionID,
		Session:   sess,
		Brief:     sess.Brief,
		StartTime: time.Now(),
		Errors:    make([]error, 0),
		Artifacts: make(map[string][]Artifact),
		Metadata:  make(map[string]any),
	}
}

// AddError adds a non-fatal error to the state.
func (s *State) AddError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}

// HasErrors returns true if any non-fatal errors were recorded.
func (s *State) HasErrors() bool {
	return len(s.Errors) > 0
}

// Duration returns the elapsed time since the run started.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// SetMetadata stores a value in the metadata map.
func (s *State) SetMetadata(key string, value any) {
	s.Metadata[key] = value
}

// GetMetadata retrieves a value from the metadata map.
func (s *State) GetMetadata(key string) (any, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}

// AddArtifact records a durable output produced by a stage.
func (s *State) AddArtifact(stageID string, artifact Artifact) {
	s.Artifacts[stageID] = append(s.Artifacts[stageID], artifact)
}

// GetArtifacts returns all artifacts recorded by a stage.
func (s *State) GetArtifacts(stageID string) []Artifact {
	return s.Artifacts[stageID]
}

// StageResult contains the outcome of a stage execution.
type StageResult struct {
	// Artifacts are the durable outputs this stage produced.
	Artifacts []Artifact

	// ItemsProcessed is a stage-defined count (corpus items, study
	// phases, report modules).
	ItemsProcessed int

	// Duration is the execution time.
	Duration time.Duration

	// Message is an optional summary message.
	Message string
}

// Result represents the outcome of a run.
type Result struct {
	// SessionID is the session the run belonged to.
	SessionID string

	// Success indicates the run completed without a fatal error.
	Success bool

	// Duration is the total execution time.
	Duration time.Duration

	// StageResults contains results from each executed stage, keyed by
	// stage ID. A stage that failed still has its partial result here.
	StageResults map[string]*StageResult

	// Errors contains the fatal error, if any, plus non-fatal errors the
	// stages recorded.
	Errors []error

	// ReportPath is the artifact-root relative path of the final report,
	// set when Stage 3 completed.
	ReportPath string
}
