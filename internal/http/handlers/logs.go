package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/service/logs"
)

// eventTypeLog is the SSE event type for streamed log entries.
const eventTypeLog = "log"

// maxInitialLogs caps the backlog sent when a log stream opens.
const maxInitialLogs = 500

// LogsHandler exposes the in-process log ring: recent entries, counters
// and a live SSE stream.
type LogsHandler struct {
	service           *logs.Service
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewLogsHandler creates a logs handler.
func NewLogsHandler(service *logs.Service, logger *slog.Logger) *LogsHandler {
	return &LogsHandler{
		service:           service,
		logger:            observability.WithComponent(logger, "logs-handler"),
		heartbeatInterval: logs.HeartbeatInterval,
	}
}

// SetHeartbeatInterval overrides the heartbeat cadence. Tests use this
// to avoid waiting out the default interval.
func (h *LogsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// ListLogsInput filters the recent-logs query.
type ListLogsInput struct {
	Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum entries to return"`
	Level     string `query:"level" doc:"Only entries at this level"`
	Component string `query:"component" doc:"Only entries from this component"`
	SessionID string `query:"session_id" doc:"Only entries for this session"`
}

// LogsListResponse carries recent log entries, oldest first.
type LogsListResponse struct {
	Logs  []logs.Entry `json:"logs"`
	Count int          `json:"count"`
}

// ListLogsOutput wraps the recent-logs body.
type ListLogsOutput struct {
	Body LogsListResponse
}

// LogStatsOutput wraps the log counters body.
type LogStatsOutput struct {
	Body logs.Stats
}

// StreamLogsInput documents the stream's query parameters.
type StreamLogsInput struct {
	Level     string `query:"level" doc:"Only entries at this level"`
	Component string `query:"component" doc:"Only entries from this component"`
	SessionID string `query:"session_id" doc:"Only entries for this session"`
	Initial   int    `query:"initial" default:"50" minimum:"0" maximum:"500" doc:"Recent entries to send before live ones"`
}

// Register registers the log operations with the API.
func (h *LogsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/v1/logs",
		Summary:     "List recent logs",
		Description: "Returns recent entries from the in-process log ring, oldest first.",
		Tags:        []string{"Logs"},
	}, h.ListLogs)

	huma.Register(api, huma.Operation{
		OperationID: "get-log-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/logs/stats",
		Summary:     "Get log statistics",
		Description: "Returns totals by level and component plus the recent error list.",
		Tags:        []string{"Logs"},
	}, h.GetLogStats)

	// Documents the stream in the OpenAPI spec. The real handler is the
	// raw route from RegisterSSE, which replaces this registration on
	// the router.
	sse.Register(api, huma.Operation{
		OperationID: "stream-logs",
		Method:      http.MethodGet,
		Path:        "/api/v1/logs/stream",
		Summary:     "Stream logs",
		Description: "Streams log entries over SSE as they are captured.",
		Tags:        []string{"Logs"},
	}, map[string]any{
		eventTypeLog: logs.Entry{},
	}, func(ctx context.Context, input *StreamLogsInput, send sse.Sender) {
		<-ctx.Done()
	})
}

// RegisterSSE registers the log stream on the chi router. Call it after
// Register so the raw route wins.
func (h *LogsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/logs/stream", h.handleSSE)
}

// ListLogs handles GET /api/v1/logs.
func (h *LogsHandler) ListLogs(ctx context.Context, input *ListLogsInput) (*ListLogsOutput, error) {
	entries := h.service.Recent(input.Limit, logs.Filter{
		Level:     input.Level,
		Component: input.Component,
		SessionID: input.SessionID,
	})
	return &ListLogsOutput{Body: LogsListResponse{
		Logs:  entries,
		Count: len(entries),
	}}, nil
}

// GetLogStats handles GET /api/v1/logs/stats.
func (h *LogsHandler) GetLogStats(ctx context.Context, input *struct{}) (*LogStatsOutput, error) {
	return &LogStatsOutput{Body: h.service.GetStats()}, nil
}

// handleSSE streams log entries until the client disconnects. A recent
// backlog is sent first so the client has context before live entries
// arrive.
func (h *LogsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := logs.Filter{
		Level:     query.Get("level"),
		Component: query.Get("component"),
		SessionID: query.Get("session_id"),
	}

	initial := 50
	if raw := query.Get("initial"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n <= maxInitialLogs {
			initial = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout, so clear the
	// deadline for this connection.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.DebugContext(r.Context(), "failed to clear write deadline",
			slog.String("error", err.Error()))
	}

	if _, err := fmt.Fprint(w, ":connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	// Subscribe before draining the backlog so no entry published in
	// between is missed. Duplicates across the boundary are acceptable.
	sub := h.service.Subscribe(r.Context())
	defer h.service.Unsubscribe(sub.ID)

	if initial > 0 {
		for _, entry := range h.service.Recent(initial, filter) {
			if err := writeSSEEvent(w, rc, eventTypeLog, entry); err != nil {
				return
			}
		}
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case entry, ok := <-sub.Events:
			if !ok {
				return
			}
			if entry == nil || !filter.Matches(*entry) {
				continue
			}
			if err := writeSSEEvent(w, rc, eventTypeLog, entry); err != nil {
				return
			}
		}
	}
}
