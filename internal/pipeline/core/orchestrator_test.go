package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// stubStage is a scriptable Stage for orchestrator tests.
type stubStage struct {
	id       string
	name     string
	execute  func(ctx context.Context, state *State) (*StageResult, error)
	cleanups int
}

func (s *stubStage) ID() string   { return s.id }
func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	if s.execute != nil {
		return s.execute(ctx, state)
	}
	return &StageResult{}, nil
}

func (s *stubStage) Cleanup(context.Context) error {
	s.cleanups++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunState(t *testing.T) *State {
	t.Helper()
	sess := models.NewSession(models.Brief{
		Segment: "specialty coffee",
		Product: "subscription roaster",
	}, time.Now())
	return NewState(sess)
}

func TestOrchestrator_Execute_Success(t *testing.T) {
	state := newRunState(t)

	first := &stubStage{id: "one", name: "One", execute: func(_ context.Context, st *State) (*StageResult, error) {
		res := &StageResult{ItemsProcessed: 3}
		res.Artifacts = append(res.Artifacts, NewArtifact(ArtifactCorpus, "one").WithItemCount(3))
		return res, nil
	}}
	second := &stubStage{id: "two", name: "Two", execute: func(_ context.Context, st *State) (*StageResult, error) {
		st.Report = &models.FinalReport{Stats: models.ReportStats{Path: "reports/x/final_report.md"}}
		return &StageResult{ItemsProcessed: 1}, nil
	}}

	o := NewOrchestrator(state, []Stage{first, second}, t.TempDir(), discardLogger())
	result, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, state.SessionID, result.SessionID)
	assert.Len(t, result.StageResults, 2)
	assert.Equal(t, 3, result.StageResults["one"].ItemsProcessed)
	assert.Equal(t, "reports/x/final_report.md", result.ReportPath)
	assert.Greater(t, result.Duration, time.Duration(0))

	// Artifacts from stage results are registered on the state.
	require.Len(t, state.GetArtifacts("one"), 1)
	assert.Equal(t, ArtifactCorpus, state.GetArtifacts("one")[0].Name)

	// Each stage is cleaned up exactly once.
	assert.Equal(t, 1, first.cleanups)
	assert.Equal(t, 1, second.cleanups)
}

func TestOrchestrator_Execute_StageFailure(t *testing.T) {
	state := newRunState(t)
	boom := errors.New("provider exploded")

	first := &stubStage{id: "one", name: "One"}
	second := &stubStage{id: "two", name: "Two", execute: func(context.Context, *State) (*StageResult, error) {
		return nil, boom
	}}
	third := &stubStage{id: "three", name: "Three"}

	o := NewOrchestrator(state, []Stage{first, second, third}, t.TempDir(), discardLogger())
	result, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.False(t, result.Success)
	// Partial results survive, including the failed stage's entry.
	assert.Contains(t, result.StageResults, "one")
	assert.Contains(t, result.StageResults, "two")
	assert.NotContains(t, result.StageResults, "three")

	var stageErr *StageError
	require.Len(t, result.Errors, 1)
	require.ErrorAs(t, result.Errors[0], &stageErr)
	assert.Equal(t, "two", stageErr.StageID)

	// Executed stages are cleaned up, the unreached one is not.
	assert.Equal(t, 1, first.cleanups)
	assert.Equal(t, 1, second.cleanups)
	assert.Equal(t, 0, third.cleanups)
}

func TestOrchestrator_Execute_AlreadyRunning(t *testing.T) {
	state := newRunState(t)

	activeExecutionsMu.Lock()
	activeExecutions[state.SessionID] = true
	activeExecutionsMu.Unlock()
	defer func() {
		activeExecutionsMu.Lock()
		delete(activeExecutions, state.SessionID)
		activeExecutionsMu.Unlock()
	}()

	o := NewOrchestrator(state, []Stage{&stubStage{id: "one", name: "One"}}, t.TempDir(), discardLogger())
	result, err := o.Execute(context.Background())
	require.ErrorIs(t, err, ErrSessionAlreadyActive)
	assert.False(t, result.Success)
}

func TestOrchestrator_Execute_ContextCancelled(t *testing.T) {
	state := newRunState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := &stubStage{id: "one", name: "One"}
	o := NewOrchestrator(state, []Stage{stage}, t.TempDir(), discardLogger())
	result, err := o.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.True(t, IsKind(result.Errors[0], KindCancelled))
	// The stage never ran but still gets its cleanup call.
	assert.Equal(t, 1, stage.cleanups)
}

func TestOrchestrator_Execute_TempDirLifecycle(t *testing.T) {
	state := newRunState(t)
	tempRoot := t.TempDir()

	var seen string
	stage := &stubStage{id: "one", name: "One", execute: func(_ context.Context, st *State) (*StageResult, error) {
		seen = st.TempDir
		_, err := os.Stat(st.TempDir)
		return &StageResult{}, err
	}}

	o := NewOrchestrator(state, []Stage{stage}, tempRoot, discardLogger())
	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	assert.Contains(t, seen, "run-"+state.SessionID)
	_, statErr := os.Stat(seen)
	assert.True(t, os.IsNotExist(statErr), "scratch directory should be removed after the run")
}

func TestOrchestrator_Accessors(t *testing.T) {
	state := newRunState(t)
	stages := []Stage{&stubStage{id: "one", name: "One"}}
	o := NewOrchestrator(state, stages, t.TempDir(), nil)
	assert.Same(t, state, o.State())
	assert.Len(t, o.Stages(), 1)
}
