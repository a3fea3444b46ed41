package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
)

func TestTranslateGemini(t *testing.T) {
	req := chatRequest{
		Model: "gemini-2.0-flash",
		Messages: []chatMessage{
			{Role: roleSystem, Content: "be terse"},
			{Role: roleUser, Content: "question"},
			{Role: roleAssistant, Content: "partial answer"},
			{Role: roleTool, Content: "tool output", ToolCallID: "c1"},
		},
		MaxTokens: 256,
	}

	out := translateGemini(req)

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "question", out.Contents[0].Parts[0].Text)
	assert.Equal(t, "model", out.Contents[1].Role)
	// Tool output has no native role, so it rides as a user turn.
	assert.Equal(t, "user", out.Contents[2].Role)

	require.NotNil(t, out.GenerationConfig)
	assert.Equal(t, 256, out.GenerationConfig.MaxOutputTokens)
}

func TestTranslateGemini_OmitsEmptyGenerationConfig(t *testing.T) {
	out := translateGemini(chatRequest{Messages: []chatMessage{{Role: roleUser, Content: "q"}}})
	assert.Nil(t, out.GenerationConfig)
	assert.Nil(t, out.SystemInstruction)
}

func TestGeminiInvoker_Invoke(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hel"},{"text":"lo"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	g := newGeminiInvoker("gemini-2.0-flash", 2*time.Second, discardLogger())
	g.baseURL = srv.URL

	ep := models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini, Key: "gk"}
	res, err := g.invoke(context.Background(), ep, chatRequest{
		Model:    "gemini-2.0-flash",
		Messages: systemAndUser("sys", "prompt"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)

	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "gk", gotKey)
	require.NotNil(t, gotBody.SystemInstruction)
	require.Len(t, gotBody.Contents, 1)
	assert.Equal(t, "prompt", gotBody.Contents[0].Parts[0].Text)
}

func TestGeminiInvoker_EndpointBaseURLOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	g := newGeminiInvoker("gemini-2.0-flash", 2*time.Second, discardLogger())

	ep := models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini, Key: "gk", BaseURL: srv.URL}
	res, err := g.invoke(context.Background(), ep, chatRequest{
		Model:    "gemini-2.0-flash",
		Messages: systemAndUser("", "prompt"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
}

func TestGeminiInvoker_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown model"}}`))
	}))
	defer srv.Close()

	g := newGeminiInvoker("gemini-2.0-flash", 2*time.Second, discardLogger())
	g.baseURL = srv.URL

	ep := models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini, Key: "gk"}
	_, err := g.invoke(context.Background(), ep, chatRequest{
		Model:    "gemini-2.0-flash",
		Messages: systemAndUser("", "prompt"),
	})
	require.Error(t, err)

	var statusErr *httpStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.status)
	assert.Equal(t, failMalformed, classifyFailure(err))
}

func TestGeminiInvoker_RetryableStatusRecovered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := newGeminiInvoker("gemini-2.0-flash", 2*time.Second, discardLogger())
	g.baseURL = srv.URL

	ep := models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini, Key: "gk"}
	_, err := g.invoke(context.Background(), ep, chatRequest{
		Model:    "gemini-2.0-flash",
		Messages: systemAndUser("", "prompt"),
	})
	require.Error(t, err)

	// The transport swallows the 429; the invoker must still surface it as
	// a status for classification.
	var statusErr *httpStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.status)
	assert.Equal(t, failRateLimited, classifyFailure(err))
}

func TestGeminiInvoker_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	g := newGeminiInvoker("gemini-2.0-flash", 2*time.Second, discardLogger())
	g.baseURL = srv.URL

	ep := models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini, Key: "gk"}
	_, err := g.invoke(context.Background(), ep, chatRequest{
		Model:    "gemini-2.0-flash",
		Messages: systemAndUser("", "prompt"),
	})
	require.ErrorIs(t, err, errEmptyResponse)
}

func TestStatusFromTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"retryable status", errors.New("maximum retry attempts exceeded: retryable status code: 429"), 429},
		{"gateway status", errors.New("retryable status code: 503"), 503},
		{"no status", errors.New("connection refused"), 0},
		{"dangling prefix", errors.New("retryable status code: "), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFromTransportError(tt.err))
		})
	}
}
