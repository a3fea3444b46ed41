package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/pkg/httpclient"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiInvoker speaks the native Gemini REST protocol. Gemini is the one
// AI class without an OpenAI-compatible surface, and it is invoked without
// tool support.
type geminiInvoker struct {
	baseURL string
	model   string
	http    *httpclient.Client
}

func newGeminiInvoker(model string, timeout time.Duration, logger *slog.Logger) *geminiInvoker {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	// Retry policy lives in the adapter, not in the transport.
	cfg.RetryAttempts = 0
	cfg.Logger = logger
	return &geminiInvoker{
		baseURL: defaultGeminiBaseURL,
		model:   model,
		http:    httpclient.New(cfg),
	}
}

func (g *geminiInvoker) supportsTools() bool { return false }

func (g *geminiInvoker) defaultModel() string { return g.model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (g *geminiInvoker) invoke(ctx context.Context, ep models.ProviderEndpoint, req chatRequest) (chatResult, error) {
	base := g.baseURL
	if ep.BaseURL != "" {
		base = ep.BaseURL
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimSuffix(base, "/"), req.Model)

	body, err := json.Marshal(translateGemini(req))
	if err != nil {
		return chatResult{}, fmt.Errorf("encoding gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return chatResult{}, fmt.Errorf("building gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", ep.Key)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		// The transport consumes retryable statuses; recover the code so
		// classification sees it.
		if code := statusFromTransportError(err); code != 0 {
			return chatResult{}, &httpStatusError{status: code, body: err.Error()}
		}
		return chatResult{}, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResult{}, fmt.Errorf("reading gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return chatResult{}, &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return chatResult{}, fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(decoded.Candidates) == 0 {
		return chatResult{}, errEmptyResponse
	}

	var sb strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	out := chatResult{Text: sb.String()}
	if out.empty() {
		return chatResult{}, errEmptyResponse
	}
	return out, nil
}

// translateGemini maps the neutral transcript onto Gemini's content shape.
// Gemini only knows "user" and "model" roles; the system message rides in
// systemInstruction and anything else is folded into user turns.
func translateGemini(req chatRequest) geminiRequest {
	out := geminiRequest{}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case roleSystem:
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case roleAssistant:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return out
}

// statusFromTransportError digs an HTTP status out of the transport's
// retry-exhausted error text.
func statusFromTransportError(err error) int {
	msg := err.Error()
	idx := strings.LastIndex(msg, "status code: ")
	if idx < 0 {
		return 0
	}
	digits := msg[idx+len("status code: "):]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	code := 0
	for _, c := range digits[:end] {
		code = code*10 + int(c-'0')
	}
	return code
}
