// Package llm binds the conversational model. The runtime only depends
// on the Client interface; the concrete binding speaks the
// OpenAI-compatible chat completions wire format, which every provider
// we target exposes.
package llm

import (
	"context"

	"baagent/internal/config"
	"baagent/internal/types"
)

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatRequest is one model invocation: a system prompt, the transcript
// so far, and the tools on offer.
type ChatRequest struct {
	System    string
	Messages  []types.Message
	Tools     []ToolDefinition
	Model     string // override the configured model, "" = default
	MaxTokens int
}

// ChatResponse is either a final answer (Text, no ToolCalls) or a set
// of tool invocations to execute and feed back.
type ChatResponse struct {
	Text       string
	ToolCalls  []types.ToolCall
	StopReason string
	Usage      types.TokenUsage
}

// Client is the conversational model collaborator.
type Client interface {
	// Chat runs one completion over the transcript with tools.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Complete is the tool-free convenience form used by the
	// compactor's extractor.
	Complete(ctx context.Context, system, user string) (string, error)
}

// New builds a client from configuration. An empty provider returns
// (nil, nil): callers treat a nil client as "no model configured" and
// degrade (the compactor falls back to regex extraction).
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai", "openrouter", "zai":
		return newOpenAIClient(cfg)
	default:
		return nil, types.E(types.KindBadInput, "unknown llm provider %q", cfg.Provider)
	}
}
