package ai

import (
	"context"
	"strings"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// Chat message roles shared by all invokers.
const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
)

// searchToolName is the only tool exposed to providers during live search.
const searchToolName = "search"

// chatMessage is the provider-neutral transcript entry. Each invoker
// translates it into its own wire format.
type chatMessage struct {
	Role       string
	Content    string
	ToolCalls  []toolCall
	ToolCallID string
}

// toolCall is a provider request to run a tool with JSON arguments.
type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

// chatRequest is what the adapter asks an invoker to send.
type chatRequest struct {
	Model       string
	Messages    []chatMessage
	Temperature float32
	MaxTokens   int
	EnableTools bool
}

// chatResult is an invoker's translated response.
type chatResult struct {
	Text      string
	ToolCalls []toolCall
}

func (r chatResult) empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.ToolCalls) == 0
}

// invoker sends one chat request to one provider endpoint.
type invoker interface {
	invoke(ctx context.Context, ep models.ProviderEndpoint, req chatRequest) (chatResult, error)
	supportsTools() bool
	defaultModel() string
}

func systemAndUser(system, prompt string) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, chatMessage{Role: roleSystem, Content: system})
	}
	msgs = append(msgs, chatMessage{Role: roleUser, Content: prompt})
	return msgs
}
