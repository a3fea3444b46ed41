package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/session"
)

// trackedStage wraps a pipeline stage with session bookkeeping and stage
// metrics. The session file is saved at stage start and again at the
// terminal transition, so session metadata always reflects the last
// completed stage even if the process dies mid-run.
type trackedStage struct {
	core.Stage
	number   models.Stage
	sess     *models.Session
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Execute runs the wrapped stage between session state transitions.
// Cancellation leaves the stage unfailed so the session resumes cleanly.
func (t *trackedStage) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	start := t.now()
	t.sess.BeginStage(t.number, start)
	if err := t.sessions.Save(t.sess); err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, "pipeline.track",
			fmt.Errorf("saving session at stage start: %w", err))
	}

	result, err := t.Stage.Execute(ctx, state)

	finish := t.now()
	elapsed := finish.Sub(start)
	switch {
	case err == nil:
		t.sess.CompleteStage(t.number, elapsed, finish)
		t.observe("completed", elapsed)
	case runCancelled(err):
		t.sess.Touch(finish)
		t.observe("cancelled", elapsed)
	default:
		t.sess.FailStage(t.number, finish)
		t.observe("failed", elapsed)
	}

	if saveErr := t.sessions.Save(t.sess); saveErr != nil {
		if err == nil {
			return result, core.NewError(core.KindPersistenceFailure, "pipeline.track",
				fmt.Errorf("saving session at stage end: %w", saveErr))
		}
		t.logger.Warn("failed to save session after stage",
			slog.String("session_id", t.sess.SessionID),
			slog.String("stage", t.number.String()),
			slog.String("error", saveErr.Error()))
	}
	return result, err
}

func (t *trackedStage) observe(status string, elapsed time.Duration) {
	if t.metrics == nil {
		return
	}
	t.metrics.StageRuns.WithLabelValues(t.number.String(), status).Inc()
	if status == "completed" {
		t.metrics.StageDuration.WithLabelValues(t.number.String()).Observe(elapsed.Seconds())
	}
}

// runCancelled reports whether an error chain means the run was cancelled
// rather than failed.
func runCancelled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		core.IsKind(err, core.KindCancelled)
}
