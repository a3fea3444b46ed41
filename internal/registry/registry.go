// Package registry fronts the configured provider endpoints behind a
// uniform "give me a healthy provider of class X" interface. It owns
// endpoint state across all sessions: rotation order, error counts,
// rate-limit windows, and recovery timers. All mutations happen under the
// registry lock; recovery timers run on background goroutines and re-acquire
// the lock before touching state.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
)

// fallbackChains maps each logical service type to its ordered capability
// class chain. The walk order is fixed; availability decides the winner.
var fallbackChains = map[models.ServiceType][]models.CapabilityClass{
	models.ServiceAIModels: {
		models.ClassQwenCompatible, models.ClassGemini, models.ClassOpenAI,
		models.ClassGroq, models.ClassDeepSeek,
	},
	models.ServiceSearch: {
		models.ClassJinaRead, models.ClassExa, models.ClassSerper,
		models.ClassSerpAPI, models.ClassFirecrawl, models.ClassTavily,
	},
	models.ServiceSocialInsights: {
		models.ClassSupadata, models.ClassSerper, models.ClassSerpAPI,
		models.ClassFirecrawl, models.ClassTavily,
	},
	models.ServiceWebScraping: {
		models.ClassFirecrawl, models.ClassScrapingAnt, models.ClassJinaRead,
		models.ClassSerper, models.ClassSerpAPI,
	},
	models.ServiceContentExtraction: {
		models.ClassFirecrawl, models.ClassJinaRead, models.ClassScrapingAnt,
		models.ClassSerper, models.ClassRapidAPI,
	},
}

// FallbackChain returns a copy of the capability class chain for a service
// type, or nil for an unknown type.
func FallbackChain(service models.ServiceType) []models.CapabilityClass {
	chain, ok := fallbackChains[service]
	if !ok {
		return nil
	}
	out := make([]models.CapabilityClass, len(chain))
	copy(out, chain)
	return out
}

// classState tracks the endpoints of one capability class and the
// round-robin cursor over them. The cursor advances only when an endpoint is
// actually handed out.
type classState struct {
	endpoints []*models.ProviderEndpoint
	next      int
}

// Registry is the process-global provider rotation manager.
type Registry struct {
	mu      sync.Mutex
	classes map[models.CapabilityClass]*classState
	stopped bool

	recovery time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewRegistry builds endpoint state from the configured credentials. Classes
// without keys get no endpoints; requests for them fail with
// NoProviderAvailable.
func NewRegistry(cfg config.RegistryConfig, providers config.ProvidersConfig, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	r := &Registry{
		classes:  map[models.CapabilityClass]*classState{},
		recovery: cfg.RateRecovery(),
		logger:   observability.WithComponent(logger, "registry"),
		metrics:  metrics,
		now:      time.Now,
	}

	byClass := providers.ByClass()
	for _, class := range models.AllCapabilityClasses() {
		creds := byClass[string(class)]
		if !creds.Configured() {
			continue
		}
		state := &classState{}
		for i, key := range creds.Keys {
			state.endpoints = append(state.endpoints, &models.ProviderEndpoint{
				Name:                 fmt.Sprintf("%s-%d", class, i+1),
				Class:                class,
				BaseURL:              creds.BaseURL,
				Model:                creds.Model,
				Key:                  key,
				Status:               models.ProviderActive,
				MaxRequestsPerWindow: cfg.WindowLimit,
			})
		}
		r.classes[class] = state
	}

	r.logger.Info("provider registry initialized",
		slog.Int("classes", len(r.classes)),
		slog.Int("endpoints", r.endpointCount()))
	return r
}

// Close stops future recovery-timer effects. Pending timers still fire but
// become no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// GetActive returns the next usable endpoint of a class, round-robin.
// A rate-limited endpoint whose reset instant has passed transitions back to
// active with a cleared window before being handed out. The returned value
// is a snapshot; registry state never escapes the lock.
func (r *Registry) GetActive(class models.CapabilityClass) (*models.ProviderEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getActiveLocked(class)
}

func (r *Registry) getActiveLocked(class models.CapabilityClass) (*models.ProviderEndpoint, error) {
	state, ok := r.classes[class]
	if !ok || len(state.endpoints) == 0 {
		r.countRequest(class, "unavailable")
		return nil, core.Errorf(core.KindNoProviderAvailable, "registry.get_active",
			"no endpoints configured for class %s", class)
	}

	now := r.now()
	n := len(state.endpoints)
	for i := 0; i < n; i++ {
		idx := (state.next + i) % n
		ep := state.endpoints[idx]
		if !ep.Usable(now) {
			continue
		}

		if ep.Status == models.ProviderRateLimited {
			ep.Status = models.ProviderActive
			ep.RateLimitReset = time.Time{}
			ep.RequestsThisWindow = 0
			ep.WindowStarted = now
			r.countTransition(class, models.ProviderActive)
			r.logger.Debug("rate limit expired, endpoint reactivated",
				slog.String("endpoint", ep.Name))
		}

		if ep.WindowStarted.IsZero() || now.Sub(ep.WindowStarted) >= models.ProviderWindow {
			ep.WindowStarted = now
			ep.RequestsThisWindow = 0
		}
		ep.RequestsThisWindow++
		ep.LastUsed = now

		// The cursor moves only when an endpoint is handed out.
		state.next = (idx + 1) % n

		r.countRequest(class, "served")
		snapshot := *ep
		return &snapshot, nil
	}

	r.countRequest(class, "unavailable")
	return nil, core.Errorf(core.KindNoProviderAvailable, "registry.get_active",
		"no usable endpoint for class %s", class)
}

// GetWithFallback walks the service type's fallback chain and returns the
// first class with a usable endpoint.
func (r *Registry) GetWithFallback(service models.ServiceType) (*models.ProviderEndpoint, error) {
	return r.GetWithFallbackAfter(service, "")
}

// GetWithFallbackAfter resumes the fallback walk after the given class, for
// callers whose upstream request already failed on it. An empty class starts
// from the head of the chain.
func (r *Registry) GetWithFallbackAfter(service models.ServiceType, after models.CapabilityClass) (*models.ProviderEndpoint, error) {
	chain, ok := fallbackChains[service]
	if !ok {
		return nil, core.Errorf(core.KindNoProviderAvailable, "registry.get_with_fallback",
			"unknown service type %s", service)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if after != "" {
		for i, class := range chain {
			if class == after {
				start = i + 1
				break
			}
		}
	}

	for _, class := range chain[start:] {
		if ep, err := r.getActiveLocked(class); err == nil {
			return ep, nil
		}
	}
	return nil, core.Errorf(core.KindNoProviderAvailable, "registry.get_with_fallback",
		"no usable endpoint for service %s", service)
}

// MarkError records a failed call against an endpoint. The endpoint leaves
// rotation and a recovery timer restores it to active with a zeroed error
// count after the configured interval. In a multi-endpoint class the cursor
// rotates to the next usable endpoint.
func (r *Registry) MarkError(class models.CapabilityClass, name string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ep, idx := r.findLocked(class, name)
	if ep == nil {
		return
	}

	ep.ErrorCount++
	ep.Status = models.ProviderError
	r.countTransition(class, models.ProviderError)

	errText := "<nil>"
	if cause != nil {
		errText = cause.Error()
	}
	r.logger.Warn("endpoint marked errored",
		slog.String("endpoint", name),
		slog.Int("error_count", ep.ErrorCount),
		slog.String("error", errText))

	if n := len(state.endpoints); n > 1 {
		now := r.now()
		for i := 1; i <= n; i++ {
			cand := (idx + i) % n
			if state.endpoints[cand].Usable(now) {
				state.next = cand
				break
			}
		}
	}

	time.AfterFunc(r.recovery, func() { r.recover(class, name) })
}

// recover is the recovery-timer body. It re-acquires the lock and restores
// the endpoint to active with a zeroed error count, unless the endpoint has
// moved to a different state in the meantime.
func (r *Registry) recover(class models.CapabilityClass, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	_, ep, _ := r.findLocked(class, name)
	if ep == nil || ep.Status != models.ProviderError {
		return
	}

	ep.Status = models.ProviderActive
	ep.ErrorCount = 0
	r.countTransition(class, models.ProviderActive)
	r.logger.Info("endpoint recovered", slog.String("endpoint", name))
}

// MarkRateLimited parks an endpoint until resetAt. A zero resetAt defaults
// to one window from now.
func (r *Registry) MarkRateLimited(class models.CapabilityClass, name string, resetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ep, _ := r.findLocked(class, name)
	if ep == nil {
		return
	}
	if resetAt.IsZero() {
		resetAt = r.now().Add(models.ProviderWindow)
	}

	ep.Status = models.ProviderRateLimited
	ep.RateLimitReset = resetAt
	r.countTransition(class, models.ProviderRateLimited)
	r.logger.Info("endpoint rate limited",
		slog.String("endpoint", ep.Name),
		slog.Time("reset_at", resetAt))
}

// ClassStatus summarizes one capability class for the status report.
type ClassStatus struct {
	Class       models.CapabilityClass    `json:"class"`
	Active      int                       `json:"active"`
	RateLimited int                       `json:"rate_limited"`
	Error       int                       `json:"error"`
	Offline     int                       `json:"offline"`
	Endpoints   []models.ProviderEndpoint `json:"endpoints"`
}

// StatusReport returns per-class endpoint counts and snapshots, in canonical
// class order. Only configured classes appear.
func (r *Registry) StatusReport() []ClassStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report []ClassStatus
	for _, class := range models.AllCapabilityClasses() {
		state, ok := r.classes[class]
		if !ok {
			continue
		}
		status := ClassStatus{Class: class}
		for _, ep := range state.endpoints {
			switch ep.Status {
			case models.ProviderActive:
				status.Active++
			case models.ProviderRateLimited:
				status.RateLimited++
			case models.ProviderError:
				status.Error++
			case models.ProviderOffline:
				status.Offline++
			}
			status.Endpoints = append(status.Endpoints, *ep)
		}
		report = append(report, status)
	}
	return report
}

// HealthPass is the periodic maintenance sweep. Expired rate limits are
// cleared with a fresh window, and active endpoints that exhausted their
// window are parked until a new one starts.
func (r *Registry) HealthPass() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cleared, parked := 0, 0
	for _, class := range models.AllCapabilityClasses() {
		state, ok := r.classes[class]
		if !ok {
			continue
		}
		for _, ep := range state.endpoints {
			if ep.Status == models.ProviderRateLimited &&
				!ep.RateLimitReset.IsZero() && !now.Before(ep.RateLimitReset) {
				ep.Status = models.ProviderActive
				ep.RateLimitReset = time.Time{}
				ep.RequestsThisWindow = 0
				ep.WindowStarted = now
				r.countTransition(class, models.ProviderActive)
				cleared++
				continue
			}
			if ep.Status == models.ProviderActive &&
				ep.MaxRequestsPerWindow > 0 && ep.RequestsThisWindow >= ep.MaxRequestsPerWindow {
				ep.Status = models.ProviderRateLimited
				ep.RateLimitReset = now.Add(models.ProviderWindow)
				r.countTransition(class, models.ProviderRateLimited)
				parked++
			}
		}
	}

	if cleared > 0 || parked > 0 {
		r.logger.Debug("registry health pass",
			slog.Int("reactivated", cleared),
			slog.Int("parked", parked))
	}
}

// ServiceAvailable reports whether any class in the service's fallback chain
// has a usable endpoint right now, without consuming a rotation slot.
func (r *Registry) ServiceAvailable(service models.ServiceType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, class := range fallbackChains[service] {
		state, ok := r.classes[class]
		if !ok {
			continue
		}
		for _, ep := range state.endpoints {
			if ep.Usable(now) {
				return true
			}
		}
	}
	return false
}

// HasClass reports whether a class has at least one configured endpoint.
func (r *Registry) HasClass(class models.CapabilityClass) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.classes[class]
	return ok && len(state.endpoints) > 0
}

func (r *Registry) findLocked(class models.CapabilityClass, name string) (*classState, *models.ProviderEndpoint, int) {
	state, ok := r.classes[class]
	if !ok {
		return nil, nil, 0
	}
	for i, ep := range state.endpoints {
		if ep.Name == name {
			return state, ep, i
		}
	}
	return state, nil, 0
}

func (r *Registry) endpointCount() int {
	total := 0
	for _, state := range r.classes {
		total += len(state.endpoints)
	}
	return total
}

func (r *Registry) countRequest(class models.CapabilityClass, outcome string) {
	if r.metrics != nil {
		r.metrics.ProviderRequests.WithLabelValues(string(class), outcome).Inc()
	}
}

func (r *Registry) countTransition(class models.CapabilityClass, to models.ProviderStatus) {
	if r.metrics != nil {
		r.metrics.ProviderTransitions.WithLabelValues(string(class), string(to)).Inc()
	}
}
