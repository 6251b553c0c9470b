package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"baagent/internal/config"
	"baagent/internal/types"
)

func TestNewClientFactory(t *testing.T) {
	c, err := New(config.LLMConfig{Provider: ""})
	if err != nil || c != nil {
		t.Errorf("empty provider: got (%v, %v), want (nil, nil)", c, err)
	}

	_, err = New(config.LLMConfig{Provider: "carrier-pigeon", APIKey: "k"})
	if types.KindOf(err) != types.KindBadInput {
		t.Errorf("unknown provider: got kind %v, want bad_input", types.KindOf(err))
	}

	_, err = New(config.LLMConfig{Provider: "openai"})
	if types.KindOf(err) != types.KindBadInput {
		t.Errorf("missing api key: got kind %v, want bad_input", types.KindOf(err))
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search_memory" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search_memory", "arguments": "{\"query\":\"churn\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Chat(context.Background(), ChatRequest{
		System:   "you are a test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "find churn"}},
		Tools: []ToolDefinition{{
			Name:        "search_memory",
			Description: "search",
			InputSchema: map[string]interface{}{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search_memory" {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments != `{"query":"churn"}` {
		t.Errorf("arguments: %q", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestChatFinalText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "the answer"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := c.Complete(context.Background(), "sys", "question")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "the answer" {
		t.Errorf("text: %q", text)
	}
}

func TestChatProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Chat(context.Background(), ChatRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if types.KindOf(err) != types.KindInternal {
		t.Errorf("provider error: got kind %v, want internal", types.KindOf(err))
	}
}
