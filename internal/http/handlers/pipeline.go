package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline"
	"github.com/jmylchreest/marketpipe/internal/session"
)

// PipelineRunner is the slice of the pipeline facade the API drives.
// *pipeline.Pipeline satisfies it.
type PipelineRunner interface {
	RunFull(ctx context.Context, brief models.Brief, sessionID string) (*pipeline.Result, error)
	RunStage(ctx context.Context, stage int, brief models.Brief, sessionID string, minutes int) (*pipeline.Result, error)
	Cancel(sessionID string) bool
	CancelAll() int
	Active() []string
	Stats(ctx context.Context) (*models.ExecutionStats, error)
}

// PipelineHandler starts, cancels and inspects pipeline runs. Runs are
// asynchronous: the start operations return 202 with the session ID and
// the run reports through session status and the progress stream.
type PipelineHandler struct {
	runner   PipelineRunner
	sessions *session.Manager
	logger   *slog.Logger
}

// NewPipelineHandler creates a pipeline handler.
func NewPipelineHandler(runner PipelineRunner, sessions *session.Manager, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{
		runner:   runner,
		sessions: sessions,
		logger:   observability.WithComponent(logger, "pipeline-handler"),
	}
}

// BriefRequest carries the market brief fields shared by the run
// operations.
type BriefRequest struct {
	Segment      string `json:"segment" doc:"Market segment to analyze" example:"industrial IoT sensors"`
	Product      string `json:"product" doc:"Product or service under consideration" example:"LoRaWAN asset tracker"`
	Audience     string `json:"audience,omitempty" doc:"Target audience for the analysis"`
	Objective    string `json:"objective,omitempty" doc:"What the analysis should answer"`
	StudyMinutes int    `json:"study_minutes,omitempty" minimum:"0" doc:"Stage 2 study budget in minutes, 0 for the configured default"`
}

func (b BriefRequest) brief() models.Brief {
	return models.Brief{
		Segment:      b.Segment,
		Product:      b.Product,
		Audience:     b.Audience,
		Objective:    b.Objective,
		StudyMinutes: b.StudyMinutes,
	}
}

// StartPipelineInput is the request for the full-run and stage-1
// operations.
type StartPipelineInput struct {
	Body struct {
		BriefRequest
		SessionID string `json:"session_id,omitempty" doc:"Existing session to resume, empty to start a new one"`
	}
}

// StartStageInput is the request for the stage-2 and stage-3
// operations, which always target an existing session.
type StartStageInput struct {
	Body struct {
		SessionID    string `json:"session_id" doc:"Session holding the earlier stage outputs"`
		StudyMinutes int    `json:"study_minutes,omitempty" minimum:"0" doc:"Stage 2 study budget in minutes, 0 for the configured default"`
	}
}

// RunStartedOutput wraps the accepted-run response body.
type RunStartedOutput struct {
	Body RunStartedResponse
}

// CancelInput selects which runs to cancel.
type CancelInput struct {
	Body struct {
		SessionID string `json:"session_id,omitempty" doc:"Session to cancel, empty to cancel every active run"`
	}
}

// CancelOutput wraps the cancel response body.
type CancelOutput struct {
	Body CancelResponse
}

// StatsOutput wraps the execution journal summary.
type StatsOutput struct {
	Body models.ExecutionStats
}

// Register registers the pipeline operations with the API.
func (h *PipelineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-pipeline",
		Method:        http.MethodPost,
		Path:          "/api/v1/pipeline",
		Summary:       "Start a full pipeline run",
		Description:   "Runs collection, study and report compilation for the given brief. The run executes in the background; follow it via session status or the progress event stream.",
		Tags:          []string{"Pipeline"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartPipeline)

	huma.Register(api, huma.Operation{
		OperationID:   "start-stage1",
		Method:        http.MethodPost,
		Path:          "/api/v1/pipeline/stage1",
		Summary:       "Run corpus collection",
		Description:   "Runs Stage 1 only: provider search, content fetch and corpus assembly for the given brief.",
		Tags:          []string{"Pipeline"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartStage1)

	huma.Register(api, huma.Operation{
		OperationID:   "start-stage2",
		Method:        http.MethodPost,
		Path:          "/api/v1/pipeline/stage2",
		Summary:       "Run the corpus study",
		Description:   "Runs Stage 2 against a session that already holds a corpus. Missing stage inputs fail the run after it starts and are reported through session status.",
		Tags:          []string{"Pipeline"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartStage2)

	huma.Register(api, huma.Operation{
		OperationID:   "start-stage3",
		Method:        http.MethodPost,
		Path:          "/api/v1/pipeline/stage3",
		Summary:       "Compile the final report",
		Description:   "Runs Stage 3 against a session that already holds study output. Missing stage inputs fail the run after it starts and are reported through session status.",
		Tags:          []string{"Pipeline"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartStage3)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pipeline",
		Method:      http.MethodPost,
		Path:        "/api/v1/pipeline/cancel",
		Summary:     "Cancel active runs",
		Description: "Cancels the run for one session, or every active run when no session is given.",
		Tags:        []string{"Pipeline"},
	}, h.CancelRuns)

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/pipeline/stats",
		Summary:     "Get execution statistics",
		Description: "Returns totals and average duration from the execution journal.",
		Tags:        []string{"Pipeline"},
	}, h.GetStats)
}

// StartPipeline handles POST /api/v1/pipeline.
func (h *PipelineHandler) StartPipeline(ctx context.Context, input *StartPipelineInput) (*RunStartedOutput, error) {
	brief := input.Body.brief()
	sessionID, err := h.prepareRun(brief, input.Body.SessionID)
	if err != nil {
		return nil, err
	}

	h.startRun("full", sessionID, func(runCtx context.Context) (*pipeline.Result, error) {
		return h.runner.RunFull(runCtx, brief, sessionID)
	})

	return &RunStartedOutput{Body: RunStartedResponse{
		SessionID: sessionID,
		Mode:      "full",
		Message:   "pipeline run started",
	}}, nil
}

// StartStage1 handles POST /api/v1/pipeline/stage1.
func (h *PipelineHandler) StartStage1(ctx context.Context, input *StartPipelineInput) (*RunStartedOutput, error) {
	brief := input.Body.brief()
	sessionID, err := h.prepareRun(brief, input.Body.SessionID)
	if err != nil {
		return nil, err
	}

	h.startRun("stage1", sessionID, func(runCtx context.Context) (*pipeline.Result, error) {
		return h.runner.RunStage(runCtx, 1, brief, sessionID, 0)
	})

	return &RunStartedOutput{Body: RunStartedResponse{
		SessionID: sessionID,
		Mode:      "stage1",
		Message:   "corpus collection started",
	}}, nil
}

// StartStage2 handles POST /api/v1/pipeline/stage2.
func (h *PipelineHandler) StartStage2(ctx context.Context, input *StartStageInput) (*RunStartedOutput, error) {
	sessionID := input.Body.SessionID
	minutes := input.Body.StudyMinutes
	if err := h.requireIdleSession(sessionID); err != nil {
		return nil, err
	}

	h.startRun("stage2", sessionID, func(runCtx context.Context) (*pipeline.Result, error) {
		return h.runner.RunStage(runCtx, 2, models.Brief{}, sessionID, minutes)
	})

	return &RunStartedOutput{Body: RunStartedResponse{
		SessionID: sessionID,
		Mode:      "stage2",
		Message:   "corpus study started",
	}}, nil
}

// StartStage3 handles POST /api/v1/pipeline/stage3.
func (h *PipelineHandler) StartStage3(ctx context.Context, input *StartStageInput) (*RunStartedOutput, error) {
	sessionID := input.Body.SessionID
	if err := h.requireIdleSession(sessionID); err != nil {
		return nil, err
	}

	h.startRun("stage3", sessionID, func(runCtx context.Context) (*pipeline.Result, error) {
		return h.runner.RunStage(runCtx, 3, models.Brief{}, sessionID, 0)
	})

	return &RunStartedOutput{Body: RunStartedResponse{
		SessionID: sessionID,
		Mode:      "stage3",
		Message:   "report compilation started",
	}}, nil
}

// CancelRuns handles POST /api/v1/pipeline/cancel.
func (h *PipelineHandler) CancelRuns(ctx context.Context, input *CancelInput) (*CancelOutput, error) {
	sessionID := input.Body.SessionID
	if sessionID == "" {
		count := h.runner.CancelAll()
		return &CancelOutput{Body: CancelResponse{
			Cancelled: count,
			Message:   fmt.Sprintf("cancelled %d active runs", count),
		}}, nil
	}

	if !h.runner.Cancel(sessionID) {
		return nil, huma.Error404NotFound(fmt.Sprintf("no active run for session %q", sessionID))
	}
	return &CancelOutput{Body: CancelResponse{
		Cancelled: 1,
		Message:   fmt.Sprintf("cancelled run for session %q", sessionID),
	}}, nil
}

// GetStats handles GET /api/v1/pipeline/stats.
func (h *PipelineHandler) GetStats(ctx context.Context, input *struct{}) (*StatsOutput, error) {
	stats, err := h.runner.Stats(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to read execution stats", err)
	}
	return &StatsOutput{Body: *stats}, nil
}

// prepareRun validates the brief and resolves the session a new run
// executes under, creating one when no session ID was supplied.
func (h *PipelineHandler) prepareRun(brief models.Brief, sessionID string) (string, error) {
	if err := brief.Validate(); err != nil {
		return "", huma.Error400BadRequest(err.Error())
	}

	if sessionID == "" {
		sess, err := h.sessions.Create(brief)
		if err != nil {
			return "", huma.Error500InternalServerError("failed to create session", err)
		}
		return sess.SessionID, nil
	}

	if err := h.requireIdleSession(sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// requireIdleSession verifies the session exists and has no active run.
func (h *PipelineHandler) requireIdleSession(sessionID string) error {
	if _, err := h.sessions.Get(sessionID); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return huma.Error404NotFound(fmt.Sprintf("session %q not found", sessionID))
		}
		return huma.Error500InternalServerError("failed to load session", err)
	}
	if slices.Contains(h.runner.Active(), sessionID) {
		return huma.Error409Conflict(fmt.Sprintf("session %q already has an active run", sessionID))
	}
	return nil
}

// startRun executes a run in the background. The run deliberately
// detaches from the request context; its lifetime is governed by the
// cancel operations and process shutdown.
func (h *PipelineHandler) startRun(mode, sessionID string, run func(context.Context) (*pipeline.Result, error)) {
	h.logger.Info("pipeline run accepted",
		slog.String("mode", mode),
		slog.String("session_id", sessionID))

	go func() {
		result, err := run(context.Background())
		switch {
		case errors.Is(err, context.Canceled):
			h.logger.Info("pipeline run cancelled",
				slog.String("mode", mode),
				slog.String("session_id", sessionID))
		case err != nil:
			h.logger.Error("pipeline run failed",
				slog.String("mode", mode),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		default:
			h.logger.Info("pipeline run finished",
				slog.String("mode", mode),
				slog.String("session_id", sessionID),
				slog.Duration("duration", result.Duration),
				slog.String("report_path", result.ReportPath))
		}
	}()
}
