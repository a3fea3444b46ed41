// Package health aggregates component checks into one service view: the
// provider registry, the AI adapter, artifact storage, and the execution
// journal. The HTTP health endpoint and the health CLI verb both render
// this report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/marketpipe/internal/ai"
	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/database"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/registry"
	"github.com/jmylchreest/marketpipe/pkg/bytesize"
)

// Status grades a component or the overall service.
type Status string

const (
	// StatusHealthy means the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the component works with reduced capacity.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the component cannot serve its purpose.
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst for aggregation.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// minFreeBytes is the artifact-root free space floor below which the
// storage component degrades.
const minFreeBytes = 500 << 20

// Component is one itemized check result.
type Component struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the aggregate health view.
type Report struct {
	Status     Status      `json:"status"`
	CheckedAt  time.Time   `json:"checked_at"`
	Components []Component `json:"components"`
}

// Healthy reports whether the overall status is fully operational.
func (r *Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// providerLister is the slice of the AI adapter health inspects.
type providerLister interface {
	Providers() []models.AIProvider
}

// Aggregator composes component checks into a Report.
type Aggregator struct {
	registry *registry.Registry
	ai       providerLister
	store    *artifact.Store
	db       *database.DB
	logger   *slog.Logger

	now       func() time.Time
	diskUsage func(path string) (*disk.UsageStat, error)
}

// NewAggregator wires the health aggregator. Any dependency may be nil;
// its component then reports unhealthy as not configured.
func NewAggregator(reg *registry.Registry, adapter *ai.Adapter, store *artifact.Store, db *database.DB, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		registry:  reg,
		store:     store,
		db:        db,
		logger:    observability.WithComponent(logger, "health"),
		now:       time.Now,
		diskUsage: disk.Usage,
	}
	if adapter != nil {
		a.ai = adapter
	}
	return a
}

// Check runs all component checks and aggregates them. The overall status
// is the worst component status, except that the journal only ever
// degrades the service; pipeline runs do not depend on it.
func (a *Aggregator) Check(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		CheckedAt: a.now().UTC(),
	}

	components := []Component{
		a.checkProviders(),
		a.checkAI(),
		a.checkStorage(),
		a.checkJournal(ctx),
	}
	report.Components = components

	for _, c := range components {
		status := c.Status
		if c.Name == "journal" && status == StatusUnhealthy {
			status = StatusDegraded
		}
		report.Status = worse(report.Status, status)
	}

	if report.Status != StatusHealthy {
		a.logger.Warn("health check not fully healthy",
			slog.String("status", string(report.Status)))
	}
	return report
}

// checkProviders grades the registry by how many logical services have a
// usable endpoint in their fallback chain.
func (a *Aggregator) checkProviders() Component {
	c := Component{Name: "providers"}
	if a.registry == nil {
		c.Status = StatusUnhealthy
		c.Detail = "registry not configured"
		return c
	}

	services := []models.ServiceType{
		models.ServiceAIModels,
		models.ServiceSearch,
		models.ServiceSocialInsights,
		models.ServiceWebScraping,
		models.ServiceContentExtraction,
	}
	available := 0
	for _, svc := range services {
		if a.registry.ServiceAvailable(svc) {
			available++
		}
	}

	c.Detail = fmt.Sprintf("%d of %d services have a usable provider", available, len(services))
	switch {
	case available == len(services):
		c.Status = StatusHealthy
	case available > 0:
		c.Status = StatusDegraded
	default:
		c.Status = StatusUnhealthy
	}
	return c
}

// checkAI grades the adapter by available AI providers. Stages 2 and 3
// cannot run without one.
func (a *Aggregator) checkAI() Component {
	c := Component{Name: "ai"}
	if a.ai == nil {
		c.Status = StatusUnhealthy
		c.Detail = "adapter not configured"
		return c
	}

	providers := a.ai.Providers()
	available := 0
	for _, p := range providers {
		if p.Available {
			available++
		}
	}

	c.Detail = fmt.Sprintf("%d of %d AI providers available", available, len(providers))
	switch {
	case len(providers) == 0:
		c.Status = StatusUnhealthy
		c.Detail = "no AI providers configured"
	case available == len(providers):
		c.Status = StatusHealthy
	case available > 0:
		c.Status = StatusDegraded
	default:
		c.Status = StatusUnhealthy
	}
	return c
}

// checkStorage probes artifact-root writability and the free-space floor.
func (a *Aggregator) checkStorage() Component {
	c := Component{Name: "storage"}
	if a.store == nil {
		c.Status = StatusUnhealthy
		c.Detail = "artifact store not configured"
		return c
	}

	root := a.store.Root()
	probe := filepath.Join(root, fmt.Sprintf(".health-%d", a.now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		c.Status = StatusUnhealthy
		c.Detail = fmt.Sprintf("artifact root not writable: %v", err)
		return c
	}
	if err := os.Remove(probe); err != nil {
		a.logger.Warn("failed to remove health probe file",
			slog.String("path", probe),
			slog.String("error", err.Error()))
	}

	c.Status = StatusHealthy
	usage, err := a.diskUsage(root)
	if err != nil {
		// Writability is proven; an unreadable usage stat only loses the
		// free-space signal.
		c.Detail = fmt.Sprintf("writable; disk usage unavailable: %v", err)
		return c
	}
	c.Detail = fmt.Sprintf("writable; %s free", bytesize.Format(bytesize.Size(usage.Free)))
	if usage.Free < minFreeBytes {
		c.Status = StatusDegraded
		c.Detail = fmt.Sprintf("writable; only %s free", bytesize.Format(bytesize.Size(usage.Free)))
	}
	return c
}

// checkJournal pings the execution journal database.
func (a *Aggregator) checkJournal(ctx context.Context) Component {
	c := Component{Name: "journal"}
	if a.db == nil {
		c.Status = StatusUnhealthy
		c.Detail = "journal database not configured"
		return c
	}

	start := time.Now()
	if err := a.db.Ping(ctx); err != nil {
		c.Status = StatusUnhealthy
		c.Detail = fmt.Sprintf("ping failed: %v", err)
		return c
	}
	c.Status = StatusHealthy
	c.Detail = fmt.Sprintf("%s ping %s", a.db.Driver(), time.Since(start).Round(time.Millisecond))
	return c
}
