package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/marketpipe/internal/health"
)

// HealthChecker produces a component health report. *health.Aggregator
// satisfies it.
type HealthChecker interface {
	Check(ctx context.Context) *health.Report
}

// HealthHandler reports service health.
type HealthHandler struct {
	checker HealthChecker
	version string
	started time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(checker HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		version: version,
		started: time.Now(),
	}
}

// HealthResponse is the health report plus process identity.
type HealthResponse struct {
	Status        health.Status      `json:"status" doc:"Overall status: healthy, degraded or unhealthy"`
	Version       string             `json:"version"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	CheckedAt     time.Time          `json:"checked_at"`
	Components    []health.Component `json:"components"`
}

// HealthOutput wraps the health body.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health operation with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Get service health",
		Description: "Checks providers, the AI adapter, artifact storage and the execution journal. Always returns 200; the status field carries the verdict.",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth handles GET /api/v1/health.
func (h *HealthHandler) GetHealth(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	report := h.checker.Check(ctx)

	return &HealthOutput{Body: HealthResponse{
		Status:        report.Status,
		Version:       h.version,
		UptimeSeconds: time.Since(h.started).Seconds(),
		CheckedAt:     report.CheckedAt,
		Components:    report.Components,
	}}, nil
}
