package models

import (
	"time"
)

// CapabilityClass identifies a family of interchangeable providers.
type CapabilityClass string

// The closed set of capability classes. AI classes serve text generation;
// the rest serve search, social insight, scraping, or content extraction.
const (
	ClassQwenCompatible CapabilityClass = "qwen-compatible"
	ClassGemini         CapabilityClass = "gemini"
	ClassOpenAI         CapabilityClass = "openai"
	ClassGroq           CapabilityClass = "groq"
	ClassDeepSeek       CapabilityClass = "deepseek"
	ClassJinaRead       CapabilityClass = "jina-read"
	ClassExa            CapabilityClass = "exa"
	ClassSerper         CapabilityClass = "serper"
	ClassSerpAPI        CapabilityClass = "serpapi"
	ClassTavily         CapabilityClass = "tavily"
	ClassSupadata       CapabilityClass = "supadata"
	ClassFirecrawl      CapabilityClass = "firecrawl"
	ClassScrapingAnt    CapabilityClass = "scrapingant"
	ClassYouTube        CapabilityClass = "youtube"
	ClassRapidAPI       CapabilityClass = "rapidapi"
)

// AllCapabilityClasses lists every class in canonical order.
func AllCapabilityClasses() []CapabilityClass {
	return []CapabilityClass{
		ClassQwenCompatible, ClassGemini, ClassOpenAI, ClassGroq, ClassDeepSeek,
		ClassJinaRead, ClassExa, ClassSerper, ClassSerpAPI, ClassTavily,
		ClassSupadata, ClassFirecrawl, ClassScrapingAnt, ClassYouTube, ClassRapidAPI,
	}
}

// Valid returns true for a known capability class.
func (c CapabilityClass) Valid() bool {
	for _, known := range AllCapabilityClasses() {
		if c == known {
			return true
		}
	}
	return false
}

// IsAI returns true for classes that serve text generation.
func (c CapabilityClass) IsAI() bool {
	switch c {
	case ClassQwenCompatible, ClassGemini, ClassOpenAI, ClassGroq, ClassDeepSeek:
		return true
	}
	return false
}

// ServiceType is a logical capability requested by callers; the registry
// maps each type to an ordered fallback chain of capability classes.
type ServiceType string

const (
	// ServiceAIModels serves text generation.
	ServiceAIModels ServiceType = "ai_models"
	// ServiceSearch serves web and market search.
	ServiceSearch ServiceType = "search"
	// ServiceSocialInsights serves social and behavioral data.
	ServiceSocialInsights ServiceType = "social_insights"
	// ServiceWebScraping serves page scraping.
	ServiceWebScraping ServiceType = "web_scraping"
	// ServiceContentExtraction serves readable-content extraction.
	ServiceContentExtraction ServiceType = "content_extraction"
)

// ProviderStatus is the registry-visible state of one endpoint.
type ProviderStatus string

const (
	// ProviderActive means the endpoint is usable now.
	ProviderActive ProviderStatus = "active"
	// ProviderRateLimited means the endpoint is parked until its window
	// resets.
	ProviderRateLimited ProviderStatus = "rate-limited"
	// ProviderError means the endpoint failed and awaits its recovery
	// timer.
	ProviderError ProviderStatus = "error"
	// ProviderOffline means the endpoint was administratively disabled.
	ProviderOffline ProviderStatus = "offline"
)

// ProviderEndpoint is a single (capability class, credential) pair. Endpoints
// are created at process start and mutated only under the registry lock.
// The credential never serializes.
type ProviderEndpoint struct {
	// Name is the stable identifier, e.g. "exa-1".
	Name string `json:"name"`

	// Class is the capability class this endpoint belongs to.
	Class CapabilityClass `json:"class"`

	// BaseURL overrides the class default endpoint URL when set.
	BaseURL string `json:"base_url,omitempty"`

	// Model overrides the class default model when set (AI classes only).
	Model string `json:"model,omitempty"`

	// Key is the credential. Excluded from all serialization.
	Key string `json:"-"`

	// Status is the current registry state.
	Status ProviderStatus `json:"status"`

	// ErrorCount is consecutive failures since the last recovery.
	ErrorCount int `json:"error_count"`

	// LastUsed is when the endpoint last served a request.
	LastUsed time.Time `json:"last_used,omitzero"`

	// RateLimitReset is when a rate-limited endpoint re-activates.
	RateLimitReset time.Time `json:"rate_limit_reset,omitzero"`

	// RequestsThisWindow counts requests in the current one-minute window.
	RequestsThisWindow int `json:"requests_this_window"`

	// MaxRequestsPerWindow caps requests per window.
	MaxRequestsPerWindow int `json:"max_requests_per_window"`

	// WindowStarted marks the start of the current counting window.
	WindowStarted time.Time `json:"window_started,omitzero"`
}

// Usable reports whether the endpoint can serve a request right now.
// Endpoints with five or more consecutive errors are excluded until their
// recovery timer restores them.
func (p *ProviderEndpoint) Usable(now time.Time) bool {
	if p.ErrorCount >= MaxProviderErrors {
		return false
	}
	switch p.Status {
	case ProviderActive:
		return true
	case ProviderRateLimited:
		return !p.RateLimitReset.IsZero() && !now.Before(p.RateLimitReset)
	default:
		return false
	}
}

// MaxProviderErrors is the consecutive-error count at which an endpoint
// stops being usable until recovery.
const MaxProviderErrors = 5

// ProviderWindow is the length of the request-counting window.
const ProviderWindow = time.Minute

// AIProvider describes a registered language-model backend for the AI
// invocation adapter. Lower priority is preferred.
type AIProvider struct {
	Name          string          `json:"name"`
	Class         CapabilityClass `json:"class"`
	Priority      int             `json:"priority"`
	Available     bool            `json:"available"`
	SupportsTools bool            `json:"supports_tools"`
}
