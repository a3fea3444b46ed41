// Package ai routes text generation across the configured language-model
// provider classes. Selection follows the ai_models fallback chain in
// priority order, availability is tracked per class for the life of the
// process, and failures are classified to decide between same-endpoint
// retries and failover.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/registry"
)

const defaultRetryDelay = 2 * time.Second

// Class defaults used when neither the call nor the endpoint names a model.
const (
	defaultQwenBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultGroqBaseURL     = "https://api.groq.com/openai/v1"
	defaultDeepSeekBaseURL = "https://api.deepseek.com/v1"

	defaultQwenModel     = "qwen-plus"
	defaultGeminiModel   = "gemini-2.0-flash"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultGroqModel     = "llama-3.3-70b-versatile"
	defaultDeepSeekModel = "deepseek-chat"
)

// Searcher runs a live search on behalf of the tool loop. The search
// orchestrator implements it; the adapter never imports stage one directly.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Options tunes a single generation call. Zero values defer to endpoint and
// class defaults.
type Options struct {
	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// Model overrides the endpoint and class default model.
	Model string

	// MaxTokens caps the completion length. Zero leaves the provider
	// default in place.
	MaxTokens int

	// Temperature is passed through when non-zero.
	Temperature float32

	// SessionID attributes log lines to a pipeline session.
	SessionID string
}

// Adapter selects providers and drives generation calls, including the
// tool loop for live search.
type Adapter struct {
	registry *registry.Registry
	cfg      config.AIConfig
	logger   *slog.Logger
	metrics  *observability.Metrics

	invokers map[models.CapabilityClass]invoker

	mu          sync.Mutex
	unavailable map[models.CapabilityClass]string
	searcher    Searcher

	// retryDelay separates same-endpoint retries. Tests shrink it.
	retryDelay time.Duration
}

// NewAdapter wires the adapter against the registry. Class invokers are
// fixed at construction.
func NewAdapter(reg *registry.Registry, cfg config.AIConfig, logger *slog.Logger, metrics *observability.Metrics) *Adapter {
	log := observability.WithComponent(logger, "ai-adapter")
	return &Adapter{
		registry: reg,
		cfg:      cfg,
		logger:   log,
		metrics:  metrics,
		invokers: map[models.CapabilityClass]invoker{
			models.ClassQwenCompatible: newOpenAICompatInvoker(defaultQwenBaseURL, defaultQwenModel, true),
			models.ClassGemini:         newGeminiInvoker(defaultGeminiModel, cfg.RequestTimeout, log),
			models.ClassOpenAI:         newOpenAICompatInvoker("", defaultOpenAIModel, true),
			models.ClassGroq:           newOpenAICompatInvoker(defaultGroqBaseURL, defaultGroqModel, true),
			models.ClassDeepSeek:       newOpenAICompatInvoker(defaultDeepSeekBaseURL, defaultDeepSeekModel, true),
		},
		unavailable: make(map[models.CapabilityClass]string),
		retryDelay:  defaultRetryDelay,
	}
}

// SetSearcher installs the live-search backend for the tool loop. Without
// one, active search degrades to plain generation.
func (a *Adapter) SetSearcher(s Searcher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searcher = s
}

// GenerateText produces a completion from the highest-priority available
// provider, failing over down the chain as needed.
func (a *Adapter) GenerateText(ctx context.Context, prompt string, opts Options) (string, error) {
	res, class, err := a.generate(ctx, systemAndUser(opts.SystemPrompt, prompt), opts, false)
	if err != nil {
		return "", err
	}
	a.logger.Debug("generation complete",
		slog.String("class", string(class)),
		slog.String("session_id", opts.SessionID),
		slog.Int("chars", len(res.Text)),
	)
	return res.Text, nil
}

// GenerateWithActiveSearch produces a completion through the tool loop:
// while the model calls the search tool, the adapter runs the search and
// feeds the findings back, up to maxIterations rounds. When no
// tools-capable provider is available the call degrades to GenerateText
// with the composed prompt.
func (a *Adapter) GenerateWithActiveSearch(ctx context.Context, prompt, searchContext string, opts Options, maxIterations int) (string, error) {
	if maxIterations <= 0 {
		maxIterations = a.cfg.MaxToolIterations
	}
	composed := composePrompt(prompt, searchContext)

	if !a.toolsAvailable() {
		a.logger.Info("no tools-capable provider, degrading to plain generation",
			slog.String("session_id", opts.SessionID))
		return a.GenerateText(ctx, composed, opts)
	}

	msgs := systemAndUser(opts.SystemPrompt, composed)
	for iter := 0; iter < maxIterations; iter++ {
		res, class, err := a.generate(ctx, msgs, opts, true)
		if err != nil {
			if core.IsKind(err, core.KindNoProviderAvailable) {
				// Tools-capable providers ran out mid-loop.
				return a.GenerateText(ctx, composed, opts)
			}
			return "", err
		}
		if len(res.ToolCalls) == 0 {
			return res.Text, nil
		}

		a.logger.Debug("tool round",
			slog.String("class", string(class)),
			slog.String("session_id", opts.SessionID),
			slog.Int("iteration", iter+1),
			slog.Int("calls", len(res.ToolCalls)),
		)
		msgs = append(msgs, chatMessage{
			Role:      roleAssistant,
			Content:   res.Text,
			ToolCalls: res.ToolCalls,
		})
		for _, call := range res.ToolCalls {
			msgs = append(msgs, a.runTool(ctx, call, opts.SessionID))
		}
	}

	// Iteration budget spent. One last call with tools disabled forces a
	// direct answer from the transcript.
	res, _, err := a.generate(ctx, msgs, opts, false)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Providers reports the chain in priority order with current availability.
func (a *Adapter) Providers() []models.AIProvider {
	chain := registry.FallbackChain(models.ServiceAIModels)
	out := make([]models.AIProvider, 0, len(chain))
	for i, class := range chain {
		inv, ok := a.invokers[class]
		if !ok {
			continue
		}
		_, down := a.classUnavailable(class)
		out = append(out, models.AIProvider{
			Name:          string(class),
			Class:         class,
			Priority:      i + 1,
			Available:     !down && a.registry.HasClass(class),
			SupportsTools: inv.supportsTools(),
		})
	}
	return out
}

// ResetAvailability clears process-lifetime unavailability marks, as after
// a quota refresh or credential fix.
func (a *Adapter) ResetAvailability() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.unavailable) == 0 {
		return
	}
	a.logger.Info("provider availability reset", slog.Int("cleared", len(a.unavailable)))
	a.unavailable = make(map[models.CapabilityClass]string)
}

// generate walks the chain in priority order and returns the first result.
func (a *Adapter) generate(ctx context.Context, msgs []chatMessage, opts Options, needTools bool) (chatResult, models.CapabilityClass, error) {
	var lastErr error
	for _, class := range registry.FallbackChain(models.ServiceAIModels) {
		if err := ctx.Err(); err != nil {
			return chatResult{}, "", core.NewError(core.KindCancelled, "ai.generate", err)
		}
		inv, ok := a.invokers[class]
		if !ok {
			continue
		}
		if needTools && !inv.supportsTools() {
			continue
		}
		if reason, down := a.classUnavailable(class); down {
			a.logger.Debug("skipping unavailable class",
				slog.String("class", string(class)),
				slog.String("reason", reason),
			)
			continue
		}

		ep, err := a.registry.GetActive(class)
		if err != nil {
			lastErr = err
			continue
		}

		res, err := a.invokeWithPolicy(ctx, class, inv, *ep, buildRequest(inv, *ep, msgs, opts, needTools))
		if err == nil {
			a.countRequest(class, "success")
			return res, class, nil
		}
		a.countRequest(class, "error")
		lastErr = err
		if ctx.Err() != nil {
			return chatResult{}, "", core.NewError(core.KindCancelled, "ai.generate", ctx.Err())
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no AI provider configured")
	}
	return chatResult{}, "", core.NewError(core.KindNoProviderAvailable, "ai.generate", lastErr)
}

// invokeWithPolicy runs one endpoint with the retry policy its failure
// class prescribes. A non-nil error means the caller should fail over.
func (a *Adapter) invokeWithPolicy(ctx context.Context, class models.CapabilityClass, inv invoker, ep models.ProviderEndpoint, req chatRequest) (chatResult, error) {
	attempt := func() (chatResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		return inv.invoke(callCtx, ep, req)
	}

	res, err := attempt()
	if err == nil {
		return res, nil
	}

	fc := classifyFailure(err)
	a.logger.Warn("provider call failed",
		slog.String("class", string(class)),
		slog.String("endpoint", ep.Name),
		slog.String("failure", fc.String()),
		slog.String("error", err.Error()),
	)

	switch fc {
	case failRateLimited:
		if waitErr := a.pause(ctx); waitErr != nil {
			return chatResult{}, waitErr
		}
		res, err = attempt()
		if err == nil {
			return res, nil
		}
		a.registry.MarkRateLimited(class, ep.Name, time.Time{})

	case failNetwork:
		for range 2 {
			if waitErr := a.pause(ctx); waitErr != nil {
				return chatResult{}, waitErr
			}
			res, err = attempt()
			if err == nil {
				return res, nil
			}
		}
		a.registry.MarkError(class, ep.Name, err)

	case failMalformed:
		res, err = attempt()
		if err == nil {
			return res, nil
		}
		a.registry.MarkError(class, ep.Name, err)

	case failQuota:
		a.markUnavailable(class, "quota exhausted")
		a.registry.MarkError(class, ep.Name, err)

	case failAuth:
		a.markUnavailable(class, "authentication rejected")
		a.registry.MarkError(class, ep.Name, err)
	}

	return chatResult{}, err
}

// runTool executes one tool call and returns the tool reply message.
func (a *Adapter) runTool(ctx context.Context, call toolCall, sessionID string) chatMessage {
	reply := func(content string) chatMessage {
		return chatMessage{Role: roleTool, ToolCallID: call.ID, Content: content}
	}

	if call.Name != searchToolName {
		return reply(fmt.Sprintf("unsupported tool %q", call.Name))
	}
	query := parseSearchQuery(call.Arguments)
	if query == "" {
		return reply("search error: no query supplied")
	}

	a.mu.Lock()
	searcher := a.searcher
	a.mu.Unlock()
	if searcher == nil {
		return reply("search error: live search is not wired")
	}

	a.logger.Info("tool loop search",
		slog.String("session_id", sessionID),
		slog.String("query", query),
	)
	out, err := searcher.Search(ctx, query)
	if err != nil {
		return reply("search error: " + err.Error())
	}
	return reply(out)
}

// toolsAvailable reports whether any tools-capable class could serve a
// request. Transient endpoint state is left to the generation loop.
func (a *Adapter) toolsAvailable() bool {
	a.mu.Lock()
	searcher := a.searcher
	a.mu.Unlock()
	if searcher == nil {
		return false
	}
	for _, class := range registry.FallbackChain(models.ServiceAIModels) {
		inv, ok := a.invokers[class]
		if !ok || !inv.supportsTools() {
			continue
		}
		if _, down := a.classUnavailable(class); down {
			continue
		}
		if a.registry.HasClass(class) {
			return true
		}
	}
	return false
}

func (a *Adapter) markUnavailable(class models.CapabilityClass, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.unavailable[class]; ok {
		return
	}
	a.unavailable[class] = reason
	a.logger.Warn("provider class unavailable for the rest of the process",
		slog.String("class", string(class)),
		slog.String("reason", reason),
	)
}

func (a *Adapter) classUnavailable(class models.CapabilityClass) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reason, ok := a.unavailable[class]
	return reason, ok
}

func (a *Adapter) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return core.NewError(core.KindCancelled, "ai.generate", ctx.Err())
	case <-time.After(a.retryDelay):
		return nil
	}
}

func (a *Adapter) countRequest(class models.CapabilityClass, status string) {
	if a.metrics == nil {
		return
	}
	a.metrics.AIRequests.WithLabelValues(string(class), status).Inc()
}

func buildRequest(inv invoker, ep models.ProviderEndpoint, msgs []chatMessage, opts Options, needTools bool) chatRequest {
	model := opts.Model
	if model == "" {
		model = ep.Model
	}
	if model == "" {
		model = inv.defaultModel()
	}
	return chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		EnableTools: needTools,
	}
}

func composePrompt(prompt, searchContext string) string {
	if strings.TrimSpace(searchContext) == "" {
		return prompt
	}
	return prompt + "\n\nContext from prior research:\n" + searchContext
}

func parseSearchQuery(arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err == nil && strings.TrimSpace(args.Query) != "" {
		return strings.TrimSpace(args.Query)
	}
	// Some models hand back a bare string instead of a JSON object.
	raw := strings.TrimSpace(arguments)
	if raw != "" && !strings.HasPrefix(raw, "{") {
		return strings.Trim(raw, `"`)
	}
	return ""
}
