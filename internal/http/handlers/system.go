package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/marketpipe/internal/scheduler"
	"github.com/jmylchreest/marketpipe/internal/version"
)

// JobLister reports the scheduled maintenance jobs. *scheduler.Scheduler
// satisfies it.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// SystemHandler exposes build and scheduler information.
type SystemHandler struct {
	jobs JobLister
}

// NewSystemHandler creates a system handler. jobs may be nil when the
// scheduler is disabled.
func NewSystemHandler(jobs JobLister) *SystemHandler {
	return &SystemHandler{jobs: jobs}
}

// VersionOutput wraps the build information body.
type VersionOutput struct {
	Body version.Info
}

// SchedulerResponse lists the registered maintenance jobs.
type SchedulerResponse struct {
	Enabled bool                `json:"enabled" doc:"Whether the scheduler is running"`
	Jobs    []scheduler.JobInfo `json:"jobs"`
}

// SchedulerOutput wraps the scheduler body.
type SchedulerOutput struct {
	Body SchedulerResponse
}

// Register registers the system operations with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/v1/system/version",
		Summary:     "Get build information",
		Description: "Returns the build version, commit, build date and platform.",
		Tags:        []string{"System"},
	}, h.GetVersion)

	huma.Register(api, huma.Operation{
		OperationID: "get-scheduler",
		Method:      http.MethodGet,
		Path:        "/api/v1/system/scheduler",
		Summary:     "Get scheduled jobs",
		Description: "Returns the registered maintenance jobs with their cron specs and next run times.",
		Tags:        []string{"System"},
	}, h.GetScheduler)
}

// GetVersion handles GET /api/v1/system/version.
func (h *SystemHandler) GetVersion(ctx context.Context, input *struct{}) (*VersionOutput, error) {
	return &VersionOutput{Body: version.GetInfo()}, nil
}

// GetScheduler handles GET /api/v1/system/scheduler.
func (h *SystemHandler) GetScheduler(ctx context.Context, input *struct{}) (*SchedulerOutput, error) {
	resp := SchedulerResponse{Jobs: []scheduler.JobInfo{}}
	if h.jobs != nil {
		resp.Enabled = true
		resp.Jobs = h.jobs.Jobs()
	}
	return &SchedulerOutput{Body: resp}, nil
}
