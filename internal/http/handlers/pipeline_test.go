package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/pipeline"
	"github.com/jmylchreest/marketpipe/internal/session"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

type stageCall struct {
	stage     int
	sessionID string
	minutes   int
}

// fakeRunner records run requests without executing anything.
type fakeRunner struct {
	mu        sync.Mutex
	full      []string
	stages    []stageCall
	active    []string
	cancelled []string
	cancelOK  bool
	stats     *models.ExecutionStats
}

func (f *fakeRunner) RunFull(ctx context.Context, brief models.Brief, sessionID string) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = append(f.full, sessionID)
	return &pipeline.Result{SessionID: sessionID, Success: true}, nil
}

func (f *fakeRunner) RunStage(ctx context.Context, stage int, brief models.Brief, sessionID string, minutes int) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stageCall{stage: stage, sessionID: sessionID, minutes: minutes})
	return &pipeline.Result{SessionID: sessionID, Success: true}, nil
}

func (f *fakeRunner) Cancel(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return f.cancelOK
}

func (f *fakeRunner) CancelAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeRunner) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeRunner) Stats(ctx context.Context) (*models.ExecutionStats, error) {
	return f.stats, nil
}

func (f *fakeRunner) fullRuns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.full)
}

func (f *fakeRunner) stageRuns() []stageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stageCall(nil), f.stages...)
}

func newPipelineHandler(t *testing.T, runner *fakeRunner) (*PipelineHandler, *session.Manager) {
	t.Helper()

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(sandbox, log)
	return NewPipelineHandler(runner, sessions, log), sessions
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()

	var statusErr huma.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, status, statusErr.GetStatus())
}

func TestStartPipeline(t *testing.T) {
	t.Run("creates a session and starts the run", func(t *testing.T) {
		runner := &fakeRunner{}
		h, sessions := newPipelineHandler(t, runner)

		input := &StartPipelineInput{}
		input.Body.Segment = "electric scooters"
		input.Body.Product = "battery swap service"

		out, err := h.StartPipeline(context.Background(), input)
		require.NoError(t, err)
		assert.NotEmpty(t, out.Body.SessionID)
		assert.Equal(t, "full", out.Body.Mode)

		_, err = sessions.Get(out.Body.SessionID)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return runner.fullRuns() == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("rejects a brief without a segment", func(t *testing.T) {
		runner := &fakeRunner{}
		h, _ := newPipelineHandler(t, runner)

		input := &StartPipelineInput{}
		input.Body.Product = "battery swap service"

		_, err := h.StartPipeline(context.Background(), input)
		requireStatus(t, err, http.StatusBadRequest)
		assert.Zero(t, runner.fullRuns())
	})

	t.Run("rejects resuming an unknown session", func(t *testing.T) {
		runner := &fakeRunner{}
		h, _ := newPipelineHandler(t, runner)

		input := &StartPipelineInput{}
		input.Body.Segment = "electric scooters"
		input.Body.Product = "battery swap service"
		input.Body.SessionID = "20260825T000000-nope"

		_, err := h.StartPipeline(context.Background(), input)
		requireStatus(t, err, http.StatusNotFound)
	})

	t.Run("conflicts with an active run", func(t *testing.T) {
		runner := &fakeRunner{}
		h, sessions := newPipelineHandler(t, runner)

		sess, err := sessions.Create(models.Brief{Segment: "electric scooters", Product: "battery swap service"})
		require.NoError(t, err)
		runner.active = []string{sess.SessionID}

		input := &StartPipelineInput{}
		input.Body.Segment = "electric scooters"
		input.Body.Product = "battery swap service"
		input.Body.SessionID = sess.SessionID

		_, err = h.StartPipeline(context.Background(), input)
		requireStatus(t, err, http.StatusConflict)
	})
}

func TestStartStage1(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := newPipelineHandler(t, runner)

	input := &StartPipelineInput{}
	input.Body.Segment = "smart irrigation"
	input.Body.Product = "soil moisture mesh"

	out, err := h.StartStage1(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "stage1", out.Body.Mode)

	require.Eventually(t, func() bool {
		calls := runner.stageRuns()
		return len(calls) == 1 && calls[0].stage == 1 && calls[0].sessionID == out.Body.SessionID
	}, time.Second, 10*time.Millisecond)
}

func TestStartStage2(t *testing.T) {
	t.Run("starts the study for an existing session", func(t *testing.T) {
		runner := &fakeRunner{}
		h, sessions := newPipelineHandler(t, runner)

		sess, err := sessions.Create(models.Brief{Segment: "electric scooters", Product: "battery swap service"})
		require.NoError(t, err)

		input := &StartStageInput{}
		input.Body.SessionID = sess.SessionID
		input.Body.StudyMinutes = 45

		out, err := h.StartStage2(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, "stage2", out.Body.Mode)
		assert.Equal(t, sess.SessionID, out.Body.SessionID)

		require.Eventually(t, func() bool {
			calls := runner.stageRuns()
			return len(calls) == 1 && calls[0] == stageCall{stage: 2, sessionID: sess.SessionID, minutes: 45}
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("rejects an unknown session", func(t *testing.T) {
		runner := &fakeRunner{}
		h, _ := newPipelineHandler(t, runner)

		input := &StartStageInput{}
		input.Body.SessionID = "20260825T000000-nope"

		_, err := h.StartStage2(context.Background(), input)
		requireStatus(t, err, http.StatusNotFound)
	})
}

func TestStartStage3(t *testing.T) {
	runner := &fakeRunner{}
	h, sessions := newPipelineHandler(t, runner)

	sess, err := sessions.Create(models.Brief{Segment: "electric scooters", Product: "battery swap service"})
	require.NoError(t, err)

	input := &StartStageInput{}
	input.Body.SessionID = sess.SessionID

	out, err := h.StartStage3(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "stage3", out.Body.Mode)

	require.Eventually(t, func() bool {
		calls := runner.stageRuns()
		return len(calls) == 1 && calls[0] == stageCall{stage: 3, sessionID: sess.SessionID, minutes: 0}
	}, time.Second, 10*time.Millisecond)
}

func TestCancelRuns(t *testing.T) {
	t.Run("cancels everything when no session given", func(t *testing.T) {
		runner := &fakeRunner{active: []string{"a", "b"}}
		h, _ := newPipelineHandler(t, runner)

		out, err := h.CancelRuns(context.Background(), &CancelInput{})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Body.Cancelled)
	})

	t.Run("cancels one session", func(t *testing.T) {
		runner := &fakeRunner{cancelOK: true}
		h, _ := newPipelineHandler(t, runner)

		input := &CancelInput{}
		input.Body.SessionID = "sess-1"

		out, err := h.CancelRuns(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Body.Cancelled)
		assert.Equal(t, []string{"sess-1"}, runner.cancelled)
	})

	t.Run("reports a missing run", func(t *testing.T) {
		runner := &fakeRunner{cancelOK: false}
		h, _ := newPipelineHandler(t, runner)

		input := &CancelInput{}
		input.Body.SessionID = "sess-1"

		_, err := h.CancelRuns(context.Background(), input)
		requireStatus(t, err, http.StatusNotFound)
	})
}

func TestGetStats(t *testing.T) {
	runner := &fakeRunner{stats: &models.ExecutionStats{
		Total:             7,
		Successful:        5,
		Failed:            2,
		AverageDurationMs: 1250,
	}}
	h, _ := newPipelineHandler(t, runner)

	out, err := h.GetStats(context.Background(), &struct{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.Body.Total)
	assert.Equal(t, int64(5), out.Body.Successful)
	assert.Equal(t, int64(2), out.Body.Failed)
	assert.InDelta(t, 1250, out.Body.AverageDurationMs, 0.001)
}
