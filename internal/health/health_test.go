package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/database"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/registry"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

type fakeLister struct {
	providers []models.AIProvider
}

func (f *fakeLister) Providers() []models.AIProvider { return f.providers }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry seeds one class per logical service so every fallback
// chain starts with exactly one usable endpoint.
func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := config.RegistryConfig{
		RateRecoverySeconds: 60,
		WindowLimit:         60,
		HealthInterval:      5 * time.Minute,
	}
	providers := config.ProvidersConfig{
		Gemini:    config.ProviderCredentials{Keys: []string{"gm-key-1"}},
		Exa:       config.ProviderCredentials{Keys: []string{"exa-key-1"}},
		Serper:    config.ProviderCredentials{Keys: []string{"sp-key-1"}},
		Firecrawl: config.ProviderCredentials{Keys: []string{"fc-key-1"}},
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := registry.NewRegistry(cfg, providers, discardLogger(), metrics)
	t.Cleanup(r.Close)
	return r
}

func newTestStore(t *testing.T) *artifact.Store {
	t.Helper()
	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return artifact.NewStore(sandbox, discardLogger())
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	}, discardLogger(), &database.Options{PrepareStmt: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg := NewAggregator(newTestRegistry(t), nil, newTestStore(t), newTestDB(t), discardLogger())
	agg.ai = &fakeLister{providers: []models.AIProvider{
		{Name: "gemini-1", Class: models.ClassGemini, Available: true},
	}}
	agg.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 10 << 30}, nil
	}
	return agg
}

func componentByName(t *testing.T, r *Report, name string) Component {
	t.Helper()
	for _, c := range r.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s not in report", name)
	return Component{}
}

func TestAggregator_Check_AllHealthy(t *testing.T) {
	agg := newTestAggregator(t)

	report := agg.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Healthy())
	require.Len(t, report.Components, 4)
	for _, c := range report.Components {
		assert.Equal(t, StatusHealthy, c.Status, "component %s", c.Name)
	}
	assert.False(t, report.CheckedAt.IsZero())
}

func TestAggregator_Check_ProvidersDegradeThenFail(t *testing.T) {
	agg := newTestAggregator(t)
	reg := agg.registry

	healthy := agg.Check(context.Background())
	require.Equal(t, StatusHealthy, componentByName(t, healthy, "providers").Status)

	// Knock out the AI chain only.
	reg.MarkError(models.ClassGemini, "gemini-1", errors.New("boom"))
	degraded := agg.Check(context.Background())
	assert.Equal(t, StatusDegraded, componentByName(t, degraded, "providers").Status)
	assert.Equal(t, StatusDegraded, degraded.Status)

	// Knock out every remaining chain.
	reg.MarkError(models.ClassExa, "exa-1", errors.New("boom"))
	reg.MarkError(models.ClassSerper, "serper-1", errors.New("boom"))
	reg.MarkError(models.ClassFirecrawl, "firecrawl-1", errors.New("boom"))
	unhealthy := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, componentByName(t, unhealthy, "providers").Status)
	assert.Equal(t, StatusUnhealthy, unhealthy.Status)

	// Status only worsens as endpoints are parked.
	assert.True(t, degraded.Status.rank() > healthy.Status.rank())
	assert.True(t, unhealthy.Status.rank() > degraded.Status.rank())
}

func TestAggregator_Check_AIAvailability(t *testing.T) {
	agg := newTestAggregator(t)

	agg.ai = &fakeLister{providers: []models.AIProvider{
		{Name: "gemini-1", Available: true},
		{Name: "openai-1", Available: false},
	}}
	report := agg.Check(context.Background())
	assert.Equal(t, StatusDegraded, componentByName(t, report, "ai").Status)

	agg.ai = &fakeLister{providers: []models.AIProvider{
		{Name: "gemini-1", Available: false},
	}}
	report = agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, componentByName(t, report, "ai").Status)

	agg.ai = &fakeLister{}
	report = agg.Check(context.Background())
	c := componentByName(t, report, "ai")
	assert.Equal(t, StatusUnhealthy, c.Status)
	assert.Equal(t, "no AI providers configured", c.Detail)
}

func TestAggregator_Check_StorageFreeSpaceFloor(t *testing.T) {
	agg := newTestAggregator(t)

	agg.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1 << 20}, nil
	}
	report := agg.Check(context.Background())
	c := componentByName(t, report, "storage")
	assert.Equal(t, StatusDegraded, c.Status)
	assert.Contains(t, c.Detail, "only")

	// Usage errors lose the signal but keep the component healthy.
	agg.diskUsage = func(string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs unavailable")
	}
	report = agg.Check(context.Background())
	c = componentByName(t, report, "storage")
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Contains(t, c.Detail, "disk usage unavailable")
}

func TestAggregator_Check_JournalDownOnlyDegrades(t *testing.T) {
	agg := newTestAggregator(t)
	require.NoError(t, agg.db.Close())

	report := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, componentByName(t, report, "journal").Status)
	// A dead journal never takes the whole service down.
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestAggregator_Check_MissingDependencies(t *testing.T) {
	agg := NewAggregator(nil, nil, nil, nil, discardLogger())

	report := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, componentByName(t, report, "providers").Status)
	assert.Equal(t, StatusUnhealthy, componentByName(t, report, "ai").Status)
	assert.Equal(t, StatusUnhealthy, componentByName(t, report, "storage").Status)
}
