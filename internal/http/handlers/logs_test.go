package handlers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/service/logs"
)

func newLogsHandler(t *testing.T) (*LogsHandler, *logs.Service) {
	t.Helper()

	service := logs.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLogsHandler(service, log), service
}

func seedEntry(level, component, sessionID, message string) logs.Entry {
	return logs.Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		SessionID: sessionID,
		Message:   message,
	}
}

func TestListLogs(t *testing.T) {
	h, service := newLogsHandler(t)

	service.Add(seedEntry("info", "search-orchestrator", "sess-1", "provider search started"))
	service.Add(seedEntry("warn", "registry", "", "endpoint rate limited"))
	service.Add(seedEntry("error", "fetch", "sess-1", "fetch failed"))

	t.Run("returns everything by default", func(t *testing.T) {
		out, err := h.ListLogs(context.Background(), &ListLogsInput{Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, 3, out.Body.Count)
	})

	t.Run("filters by level", func(t *testing.T) {
		out, err := h.ListLogs(context.Background(), &ListLogsInput{Limit: 100, Level: "error"})
		require.NoError(t, err)
		require.Equal(t, 1, out.Body.Count)
		assert.Equal(t, "fetch failed", out.Body.Logs[0].Message)
	})

	t.Run("filters by session", func(t *testing.T) {
		out, err := h.ListLogs(context.Background(), &ListLogsInput{Limit: 100, SessionID: "sess-1"})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Body.Count)
	})
}

func TestGetLogStats(t *testing.T) {
	h, service := newLogsHandler(t)

	service.Add(seedEntry("info", "search-orchestrator", "", "stream started"))
	service.Add(seedEntry("error", "registry", "", "endpoint parked"))

	out, err := h.GetLogStats(context.Background(), &struct{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Body.TotalLogs)
	assert.Equal(t, int64(1), out.Body.LogsByLevel["error"])
	require.Len(t, out.Body.RecentErrors, 1)
	assert.Equal(t, "endpoint parked", out.Body.RecentErrors[0].Message)
}
