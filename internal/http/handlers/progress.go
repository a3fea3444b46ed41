package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
)

// defaultHeartbeatInterval keeps idle SSE connections alive through
// proxies that cut quiet streams.
const defaultHeartbeatInterval = 30 * time.Second

// SSE event types emitted on the progress stream.
const (
	eventTypeProgress  = "progress"
	eventTypeCompleted = "completed"
)

// ProgressHandler streams pipeline progress snapshots over SSE.
type ProgressHandler struct {
	fabric            *progressfabric.Fabric
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewProgressHandler creates a progress handler.
func NewProgressHandler(fabric *progressfabric.Fabric, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		fabric:            fabric,
		logger:            observability.WithComponent(logger, "progress-handler"),
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// SetHeartbeatInterval overrides the heartbeat cadence. Tests use this
// to avoid waiting out the default interval.
func (h *ProgressHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the progress event stream on the chi router.
// huma does not stream SSE, so the route bypasses it.
func (h *ProgressHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/events/progress", h.handleSSE)
}

// handleSSE streams progress snapshots until the client disconnects.
// An optional session_id query parameter narrows the stream to one
// session.
func (h *ProgressHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

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

	sub := h.fabric.Subscribe(r.Context(), sessionID)
	defer h.fabric.Unsubscribe(sub.ID)

	h.logger.DebugContext(r.Context(), "progress stream opened",
		slog.String("subscriber_id", sub.ID),
		slog.String("session_id", sessionID))

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

		case update, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, rc, eventTypeForUpdate(update), update); err != nil {
				return
			}
		}
	}
}

func eventTypeForUpdate(update models.ProgressUpdate) string {
	if update.Complete {
		return eventTypeCompleted
	}
	return eventTypeProgress
}

// writeSSEEvent marshals the payload and writes one SSE frame. The
// frame is written in a single call so a slow client cannot interleave
// partial frames.
func writeSSEEvent(w io.Writer, rc *http.ResponseController, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
	n, err := io.WriteString(w, frame)
	if err != nil {
		return err
	}
	if n < len(frame) {
		return io.ErrShortWrite
	}
	return rc.Flush()
}
