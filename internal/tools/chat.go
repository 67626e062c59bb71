// ABOUTME: Chat-based tools: general conversation, web search, and deep reasoning
// ABOUTME: Each wraps a chat-completions provider with its own descriptor and prompt

package tools

import (
	"context"
	"net/http"

	"github.com/2389/yen-gateway/internal/store"
)

// historyWindow bounds how many recent messages a history-aware tool
// sees per turn.
const historyWindow = 20

// ChatTool answers turns through a chat-completions provider. The
// general, search, and reasoning tools are all ChatTools differing in
// descriptor, provider, and prompt.
type ChatTool struct {
	desc   Descriptor
	prompt string
	client *completionsClient
}

// NewGeneralTool builds the default conversational tool. It has no
// triggers; the registry falls back to it.
func NewGeneralTool(cfg ProviderConfig, httpClient *http.Client) *ChatTool {
	return &ChatTool{
		desc: Descriptor{
			Name:         "general",
			NeedsHistory: true,
		},
		client: newCompletionsClient("general", cfg, httpClient),
	}
}

// NewSearchTool builds the web-search tool. Sticky: follow-up turns
// like "what about its population" stay with search.
func NewSearchTool(cfg ProviderConfig, httpClient *http.Client) *ChatTool {
	return &ChatTool{
		desc: Descriptor{
			Name:         "search",
			Sticky:       true,
			NeedsHistory: true,
			Triggers: []string{
				"search", "look up", "look this up", "latest", "current",
				"news", "online", "on the web", "perplexity",
			},
		},
		prompt: "You answer with information from web search. Cite every source " +
			"with its full URL and include at least one short direct quote from " +
			"each source you cite.",
		client: newCompletionsClient("search", cfg, httpClient),
	}
}

// NewReasonTool builds the deep-reasoning tool. Sticky, like search.
func NewReasonTool(cfg ProviderConfig, httpClient *http.Client) *ChatTool {
	return &ChatTool{
		desc: Descriptor{
			Name:         "reason",
			Sticky:       true,
			NeedsHistory: true,
			Triggers: []string{
				"think hard", "think carefully", "reason through",
				"step by step", "deep dive", "analyze",
			},
		},
		prompt: "Work through the problem carefully before answering. Show the " +
			"key steps of your reasoning, then state the conclusion plainly.",
		client: newCompletionsClient("reason", cfg, httpClient),
	}
}

func (t *ChatTool) Descriptor() Descriptor { return t.desc }

func (t *ChatTool) Invoke(ctx context.Context, req *Request) (string, error) {
	return t.client.complete(ctx, t.buildMessages(req))
}

func (t *ChatTool) InvokeStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	return t.client.stream(ctx, t.buildMessages(req))
}

// buildMessages assembles the provider payload: the tool's own prompt,
// a window of recent history, then the current turn. History holds the
// session transcript up to but not including the current turn.
func (t *ChatTool) buildMessages(req *Request) []chatMessage {
	var messages []chatMessage
	if t.prompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: t.prompt})
	}

	history := req.History
	if len(history) > historyWindow {
		// Keep the session system prompt even when the window slides.
		if history[0].Role == store.RoleSystem {
			messages = append(messages, chatMessage{Role: "system", Content: history[0].Content})
		}
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		messages = append(messages, chatMessage{Role: providerRole(m.Role), Content: m.Content})
	}

	return append(messages, chatMessage{Role: "user", Content: req.Turn})
}

// providerRole maps transcript roles onto the chat-completions dialect,
// which has no tool_result role for messages we did not request tools
// for.
func providerRole(role string) string {
	switch role {
	case store.RoleSystem:
		return "system"
	case store.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}
