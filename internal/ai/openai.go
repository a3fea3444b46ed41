package ai

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// chatClient captures the subset of the go-openai client the invoker uses,
// so tests can swap in a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// newChatClient builds a go-openai client for an endpoint, pointing it at
// the class base URL when the provider is OpenAI-compatible rather than
// OpenAI itself.
func newChatClient(ep models.ProviderEndpoint, baseURL string) chatClient {
	if ep.BaseURL != "" {
		baseURL = ep.BaseURL
	}
	if baseURL == "" {
		return openai.NewClient(ep.Key)
	}
	cfg := openai.DefaultConfig(ep.Key)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}

// searchToolParameters is the JSON schema for the single live-search tool.
var searchToolParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Search query to run against live web sources"
		}
	},
	"required": ["query"]
}`)

// openAICompatInvoker speaks the OpenAI chat completion protocol, which the
// qwen-compatible, groq, and deepseek endpoints also expose.
type openAICompatInvoker struct {
	baseURL string
	model   string
	tools   bool

	// newClient is swapped by tests to avoid the network.
	newClient func(ep models.ProviderEndpoint, baseURL string) chatClient
}

func newOpenAICompatInvoker(baseURL, model string, tools bool) *openAICompatInvoker {
	return &openAICompatInvoker{
		baseURL:   baseURL,
		model:     model,
		tools:     tools,
		newClient: newChatClient,
	}
}

func (o *openAICompatInvoker) supportsTools() bool { return o.tools }

func (o *openAICompatInvoker) defaultModel() string { return o.model }

func (o *openAICompatInvoker) invoke(ctx context.Context, ep models.ProviderEndpoint, req chatRequest) (chatResult, error) {
	client := o.newClient(ep, o.baseURL)

	oaReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.EnableTools && o.tools {
		oaReq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        searchToolName,
				Description: "Run a live web search and return the aggregated findings as text.",
				Parameters:  searchToolParameters,
			},
		}}
	}

	resp, err := client.CreateChatCompletion(ctx, oaReq)
	if err != nil {
		return chatResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return chatResult{}, errEmptyResponse
	}

	msg := resp.Choices[0].Message
	out := chatResult{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if out.empty() {
		return chatResult{}, errEmptyResponse
	}
	return out, nil
}

func toOpenAIMessages(msgs []chatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}
