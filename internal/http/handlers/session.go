package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/session"
)

// RunLister reports which sessions currently have an active run.
// *pipeline.Pipeline satisfies it.
type RunLister interface {
	Active() []string
}

// SessionHandler exposes stored sessions, their live progress and their
// compiled reports.
type SessionHandler struct {
	sessions *session.Manager
	store    *artifact.Store
	fabric   *progressfabric.Fabric
	runs     RunLister
	logger   *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *session.Manager, store *artifact.Store, fabric *progressfabric.Fabric, runs RunLister, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		store:    store,
		fabric:   fabric,
		runs:     runs,
		logger:   observability.WithComponent(logger, "session-handler"),
	}
}

// SessionsListResponse carries every stored session.
type SessionsListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Count    int               `json:"count"`
}

// ListSessionsOutput wraps the session list body.
type ListSessionsOutput struct {
	Body SessionsListResponse
}

// SessionPathInput selects a session by ID.
type SessionPathInput struct {
	SessionID string `path:"sessionID" doc:"Session identifier"`
}

// SessionStatusResponse combines the stored session record with live
// run state.
type SessionStatusResponse struct {
	Session    *models.Session        `json:"session"`
	Running    bool                   `json:"running" doc:"Whether a run is currently executing for this session"`
	Progress   *models.ProgressStatus `json:"progress,omitempty" doc:"Live progress, present while the run is tracked"`
	ReportPath string                 `json:"report_path,omitempty" doc:"Artifact-root relative path of the compiled report, when present"`
}

// GetSessionStatusOutput wraps the status body.
type GetSessionStatusOutput struct {
	Body SessionStatusResponse
}

// GetUpdatesInput selects a session and bounds the drain size.
type GetUpdatesInput struct {
	SessionID string `path:"sessionID" doc:"Session identifier"`
	Max       int    `query:"max" default:"50" minimum:"1" maximum:"50" doc:"Maximum number of updates to return"`
}

// UpdatesResponse carries drained progress updates in publish order.
type UpdatesResponse struct {
	SessionID string                  `json:"session_id"`
	Updates   []models.ProgressUpdate `json:"updates"`
	Live      bool                    `json:"live" doc:"Whether the session has a live progress record"`
}

// GetUpdatesOutput wraps the drained updates body.
type GetUpdatesOutput struct {
	Body UpdatesResponse
}

// DeleteSessionOutput wraps the deletion confirmation.
type DeleteSessionOutput struct {
	Body MessageResponse
}

// Register registers the session operations with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Description: "Returns every stored session, newest first.",
		Tags:        []string{"Sessions"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "get-session-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{sessionID}/status",
		Summary:     "Get session status",
		Description: "Returns the stored session record together with live progress when a run is executing.",
		Tags:        []string{"Sessions"},
	}, h.GetSessionStatus)

	huma.Register(api, huma.Operation{
		OperationID: "get-session-updates",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{sessionID}/updates",
		Summary:     "Poll progress updates",
		Description: "Drains queued progress updates for a session. Each update is returned exactly once; use the SSE stream for push delivery instead.",
		Tags:        []string{"Sessions"},
	}, h.GetSessionUpdates)

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{sessionID}",
		Summary:     "Delete a session",
		Description: "Removes the session record and its artifact trees. Archived copies are kept. Sessions with an active run cannot be deleted.",
		Tags:        []string{"Sessions"},
	}, h.DeleteSession)
}

// RegisterReportRoute registers the raw report download on the chi
// router. The report is markdown, not JSON, so the route bypasses huma.
func (h *SessionHandler) RegisterReportRoute(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/sessions/{sessionID}/report", h.handleReport)
}

// ListSessions handles GET /api/v1/sessions.
func (h *SessionHandler) ListSessions(ctx context.Context, input *struct{}) (*ListSessionsOutput, error) {
	sessions, err := h.sessions.List()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list sessions", err)
	}
	return &ListSessionsOutput{Body: SessionsListResponse{
		Sessions: sessions,
		Count:    len(sessions),
	}}, nil
}

// GetSessionStatus handles GET /api/v1/sessions/{sessionID}/status.
func (h *SessionHandler) GetSessionStatus(ctx context.Context, input *SessionPathInput) (*GetSessionStatusOutput, error) {
	sess, err := h.sessions.Get(input.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("session %q not found", input.SessionID))
		}
		return nil, huma.Error500InternalServerError("failed to load session", err)
	}

	resp := SessionStatusResponse{
		Session: sess,
		Running: h.running(input.SessionID),
	}

	// Live progress and the report are both optional; their absence is
	// not an error.
	if status, err := h.fabric.GetStatus(input.SessionID); err == nil {
		resp.Progress = status
	}
	if path, err := h.store.ReportPath(input.SessionID); err == nil {
		resp.ReportPath = path
	}

	return &GetSessionStatusOutput{Body: resp}, nil
}

// GetSessionUpdates handles GET /api/v1/sessions/{sessionID}/updates.
func (h *SessionHandler) GetSessionUpdates(ctx context.Context, input *GetUpdatesInput) (*GetUpdatesOutput, error) {
	updates, err := h.fabric.DrainUpdates(input.SessionID, input.Max)
	if err == nil {
		return &GetUpdatesOutput{Body: UpdatesResponse{
			SessionID: input.SessionID,
			Updates:   updates,
			Live:      true,
		}}, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, huma.Error500InternalServerError("failed to drain updates", err)
	}

	// No live record. The session may still exist on disk, in which
	// case polling returns an empty batch rather than an error.
	if _, err := h.sessions.Get(input.SessionID); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("session %q not found", input.SessionID))
		}
		return nil, huma.Error500InternalServerError("failed to load session", err)
	}

	return &GetUpdatesOutput{Body: UpdatesResponse{
		SessionID: input.SessionID,
		Updates:   []models.ProgressUpdate{},
		Live:      false,
	}}, nil
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionID}.
func (h *SessionHandler) DeleteSession(ctx context.Context, input *SessionPathInput) (*DeleteSessionOutput, error) {
	if h.running(input.SessionID) {
		return nil, huma.Error409Conflict(fmt.Sprintf("session %q has an active run", input.SessionID))
	}

	removed, err := h.sessions.Delete(input.SessionID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to delete session", err)
	}
	if !removed {
		return nil, huma.Error404NotFound(fmt.Sprintf("session %q not found", input.SessionID))
	}

	return &DeleteSessionOutput{Body: MessageResponse{
		Message: fmt.Sprintf("session %q deleted", input.SessionID),
	}}, nil
}

func (h *SessionHandler) running(sessionID string) bool {
	return h.runs != nil && slices.Contains(h.runs.Active(), sessionID)
}

func (h *SessionHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	relPath, err := h.store.ReportPath(sessionID)
	if err != nil {
		if errors.Is(err, models.ErrArtifactNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to locate report",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		http.Error(w, "failed to locate report", http.StatusInternalServerError)
		return
	}

	data, err := h.store.Sandbox().ReadFile(relPath)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read report",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.DebugContext(r.Context(), "report write aborted",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
