package registry

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
)

func testProviders() config.ProvidersConfig {
	return config.ProvidersConfig{
		Gemini:    config.ProviderCredentials{Keys: []string{"gm-key-1"}},
		Exa:       config.ProviderCredentials{Keys: []string{"exa-key-1", "exa-key-2"}},
		Serper:    config.ProviderCredentials{Keys: []string{"sp-key-1"}},
		Firecrawl: config.ProviderCredentials{Keys: []string{"fc-key-1"}},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.RegistryConfig{
		RateRecoverySeconds: 60,
		WindowLimit:         60,
		HealthInterval:      5 * time.Minute,
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(cfg, testProviders(), slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	t.Cleanup(r.Close)
	return r
}

func TestGetActive_RoundRobin(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.GetActive(models.ClassExa)
	require.NoError(t, err)
	second, err := r.GetActive(models.ClassExa)
	require.NoError(t, err)
	third, err := r.GetActive(models.ClassExa)
	require.NoError(t, err)

	assert.Equal(t, "exa-1", first.Name)
	assert.Equal(t, "exa-2", second.Name)
	assert.Equal(t, "exa-1", third.Name)
	assert.Equal(t, "exa-key-1", first.Key)
	assert.Equal(t, "exa-key-2", second.Key)
}

func TestGetActive_UnconfiguredClass(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetActive(models.ClassTavily)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNoProviderAvailable))
}

func TestGetActive_TracksWindowUsage(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	first, err := r.GetActive(models.ClassSerper)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RequestsThisWindow)
	assert.True(t, first.LastUsed.Equal(current))

	second, err := r.GetActive(models.ClassSerper)
	require.NoError(t, err)
	assert.Equal(t, 2, second.RequestsThisWindow)

	// A new window starts once the old one is a full minute old.
	current = current.Add(models.ProviderWindow + time.Second)
	third, err := r.GetActive(models.ClassSerper)
	require.NoError(t, err)
	assert.Equal(t, 1, third.RequestsThisWindow)
}

func TestGetActive_RateLimitExpiryReactivates(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.MarkRateLimited(models.ClassSerper, "serper-1", current.Add(30*time.Second))

	_, err := r.GetActive(models.ClassSerper)
	require.Error(t, err, "endpoint is parked until the reset instant")

	current = current.Add(31 * time.Second)
	ep, err := r.GetActive(models.ClassSerper)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderActive, ep.Status)
	assert.Equal(t, 1, ep.RequestsThisWindow, "window counter clears on reactivation")
	assert.True(t, ep.RateLimitReset.IsZero())
}

func TestGetWithFallback_WalksChain(t *testing.T) {
	r := newTestRegistry(t)

	// jina-read is unconfigured, so search falls through to exa.
	ep, err := r.GetWithFallback(models.ServiceSearch)
	require.NoError(t, err)
	assert.Equal(t, models.ClassExa, ep.Class)

	// Resuming after exa lands on serper.
	ep, err = r.GetWithFallbackAfter(models.ServiceSearch, models.ClassExa)
	require.NoError(t, err)
	assert.Equal(t, models.ClassSerper, ep.Class)
}

func TestGetWithFallback_Exhausted(t *testing.T) {
	r := newTestRegistry(t)

	// social_insights resolves through serper then firecrawl here; park both.
	r.MarkRateLimited(models.ClassSerper, "serper-1", time.Now().Add(time.Hour))
	r.MarkRateLimited(models.ClassFirecrawl, "firecrawl-1", time.Now().Add(time.Hour))

	_, err := r.GetWithFallback(models.ServiceSocialInsights)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNoProviderAvailable))
}

func TestMarkError_RemovesFromRotationAndRotatesCursor(t *testing.T) {
	r := newTestRegistry(t)

	r.MarkError(models.ClassExa, "exa-1", errors.New("connection refused"))

	for range 3 {
		ep, err := r.GetActive(models.ClassExa)
		require.NoError(t, err)
		assert.Equal(t, "exa-2", ep.Name, "errored endpoint stays out of rotation")
	}
}

func TestMarkError_RecoveryTimerRestores(t *testing.T) {
	r := newTestRegistry(t)
	r.recovery = 20 * time.Millisecond

	r.MarkError(models.ClassSerper, "serper-1", errors.New("boom"))

	require.Eventually(t, func() bool {
		ep, err := r.GetActive(models.ClassSerper)
		return err == nil && ep.ErrorCount == 0 && ep.Status == models.ProviderActive
	}, time.Second, 5*time.Millisecond, "recovery timer restores the endpoint with a zeroed error count")
}

func TestMarkError_FiveStrikes(t *testing.T) {
	r := newTestRegistry(t)
	r.recovery = time.Hour

	for range models.MaxProviderErrors {
		r.MarkError(models.ClassGemini, "gemini-1", errors.New("timeout"))
	}

	report := r.StatusReport()
	var gemini *ClassStatus
	for i := range report {
		if report[i].Class == models.ClassGemini {
			gemini = &report[i]
		}
	}
	require.NotNil(t, gemini)
	assert.Equal(t, 1, gemini.Error)
	require.Len(t, gemini.Endpoints, 1)
	assert.Equal(t, models.MaxProviderErrors, gemini.Endpoints[0].ErrorCount)

	_, err := r.GetActive(models.ClassGemini)
	assert.True(t, core.IsKind(err, core.KindNoProviderAvailable))
}

func TestMarkRateLimited_DefaultReset(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.MarkRateLimited(models.ClassSerper, "serper-1", time.Time{})

	report := r.StatusReport()
	for _, class := range report {
		if class.Class != models.ClassSerper {
			continue
		}
		require.Len(t, class.Endpoints, 1)
		assert.True(t, class.Endpoints[0].RateLimitReset.Equal(current.Add(models.ProviderWindow)))
	}
}

func TestStatusReport_CountsByState(t *testing.T) {
	r := newTestRegistry(t)
	r.recovery = time.Hour

	r.MarkError(models.ClassExa, "exa-1", errors.New("boom"))
	r.MarkRateLimited(models.ClassExa, "exa-2", time.Now().Add(time.Hour))

	report := r.StatusReport()
	require.Len(t, report, 4, "only configured classes appear")

	byClass := map[models.CapabilityClass]ClassStatus{}
	for _, class := range report {
		byClass[class.Class] = class
	}
	assert.Equal(t, 1, byClass[models.ClassExa].Error)
	assert.Equal(t, 1, byClass[models.ClassExa].RateLimited)
	assert.Equal(t, 0, byClass[models.ClassExa].Active)
	assert.Equal(t, 1, byClass[models.ClassGemini].Active)
}

func TestHealthPass(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.MarkRateLimited(models.ClassSerper, "serper-1", current.Add(-time.Second))

	// Exhaust gemini's window directly.
	r.mu.Lock()
	gemini := r.classes[models.ClassGemini].endpoints[0]
	gemini.RequestsThisWindow = gemini.MaxRequestsPerWindow
	gemini.WindowStarted = current
	r.mu.Unlock()

	r.HealthPass()

	report := r.StatusReport()
	byClass := map[models.CapabilityClass]ClassStatus{}
	for _, class := range report {
		byClass[class.Class] = class
	}
	assert.Equal(t, 1, byClass[models.ClassSerper].Active, "expired rate limit cleared")
	assert.Equal(t, 1, byClass[models.ClassGemini].RateLimited, "over-window endpoint parked")

	limited := byClass[models.ClassGemini].Endpoints[0]
	assert.True(t, limited.RateLimitReset.Equal(current.Add(models.ProviderWindow)))
}

func TestServiceAvailable(t *testing.T) {
	r := newTestRegistry(t)
	r.recovery = time.Hour

	assert.True(t, r.ServiceAvailable(models.ServiceSearch))
	assert.True(t, r.ServiceAvailable(models.ServiceAIModels))

	r.MarkError(models.ClassGemini, "gemini-1", errors.New("down"))
	assert.False(t, r.ServiceAvailable(models.ServiceAIModels), "gemini was the only AI class configured")

	// Peeking must not consume rotation slots.
	report := r.StatusReport()
	for _, class := range report {
		for _, ep := range class.Endpoints {
			assert.Zero(t, ep.RequestsThisWindow)
		}
	}
}

func TestMetrics_CountServedAndUnavailable(t *testing.T) {
	cfg := config.RegistryConfig{RateRecoverySeconds: 60, WindowLimit: 60}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r := NewRegistry(cfg, testProviders(), slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	t.Cleanup(r.Close)

	_, err := r.GetActive(models.ClassExa)
	require.NoError(t, err)
	_, err = r.GetActive(models.ClassTavily)
	require.Error(t, err)

	served := testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("exa", "served"))
	unavailable := testutil.ToFloat64(metrics.ProviderRequests.WithLabelValues("tavily", "unavailable"))
	assert.Equal(t, float64(1), served)
	assert.Equal(t, float64(1), unavailable)
}

func TestHasClass(t *testing.T) {
	r := newTestRegistry(t)

	assert.True(t, r.HasClass(models.ClassExa))
	assert.False(t, r.HasClass(models.ClassYouTube))
}
