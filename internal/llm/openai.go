package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"baagent/internal/config"
	"baagent/internal/logging"
	"baagent/internal/types"
)

// openAIClient speaks the OpenAI-compatible chat completions API,
// which openai, openrouter and zai all expose.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	log     *logging.Logger
}

func newOpenAIClient(cfg config.LLMConfig) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, types.E(types.KindBadInput, "llm api key not configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		default:
			baseURL = "https://api.openai.com/v1"
		}
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &openAIClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http: &http.Client{
			Timeout: config.ParseDuration(cfg.Timeout, 120*time.Second),
		},
		log: logging.Get(logging.CategoryAgent),
	}, nil
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := chatCompletionRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
	}
	if req.Model != "" {
		wire.Model = req.Model
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == types.RoleTool {
			wm.ToolCallID = m.ToolCallID
			wm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		wire.Tools = append(wire.Tools, wt)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "encode chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, types.WrapErr(types.KindCancelled, "chat request", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.WrapErr(types.KindTimeout, "chat request", err)
		}
		return nil, types.WrapErr(types.KindInternal, "chat request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "read chat response", err)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, types.WrapErr(types.KindInternal,
			fmt.Sprintf("decode chat response (status %d)", resp.StatusCode), err)
	}
	if parsed.Error != nil {
		return nil, types.E(types.KindInternal, "provider error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.E(types.KindInternal, "provider returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.E(types.KindInternal, "provider returned no choices")
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: types.TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	c.log.Debug("chat completion: %d in / %d out tokens in %v",
		out.Usage.InputTokens, out.Usage.OutputTokens, time.Since(start))
	return out, nil
}

func (c *openAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.Chat(ctx, ChatRequest{
		System:   system,
		Messages: []types.Message{{Role: types.RoleUser, Content: user}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
