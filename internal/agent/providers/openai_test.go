package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProvider(models.ProviderOpenAI, Config{
		Name:    "primary",
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error: %v", err)
	}
	return provider
}

func TestNewOpenAIProviderValidation(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.ProviderKind
		cfg     Config
		wantErr bool
	}{
		{"openai", models.ProviderOpenAI, Config{APIKey: "k"}, false},
		{"openrouter", models.ProviderOpenRouter, Config{APIKey: "k"}, false},
		{"azure with endpoint", models.ProviderAzure, Config{APIKey: "k", BaseURL: "https://x.openai.azure.com"}, false},
		{"azure without endpoint", models.ProviderAzure, Config{APIKey: "k"}, true},
		{"missing key", models.ProviderOpenAI, Config{}, true},
		{"wrong kind", models.ProviderOllama, Config{APIKey: "k"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewOpenAIProvider(tt.kind, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && provider.Kind() != tt.kind {
				t.Errorf("Kind() = %q, want %q", provider.Kind(), tt.kind)
			}
		})
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []agent.CompletionMessage{
		{Role: models.RoleUser, Content: "What's the weather?"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"location":"NYC"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "Sunny, 72F"},
	}

	got := convertOpenAIMessages(messages, "be brief")
	if len(got) != 4 {
		t.Fatalf("expected 4 messages (system + 3), got %d", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be brief" {
		t.Errorf("first message should be system prompt, got %+v", got[0])
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Arguments != `{"location":"NYC"}` {
		t.Errorf("assistant tool calls not converted: %+v", got[2].ToolCalls)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool result not converted: %+v", got[3])
	}
}

func TestOpenAIComplete(t *testing.T) {
	var captured openai.ChatCompletionRequest
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "Checking your order.",
					"tool_calls": [{
						"id": "call_9",
						"type": "function",
						"function": {"name": "lookup_order", "arguments": "{\"order_id\":\"A1\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}
		}`))
	})

	temp := 0.2
	resp, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:      "You are support.",
		Messages:    []agent.CompletionMessage{{Role: models.RoleUser, Content: "where is my order"}},
		Tools:       []agent.ToolDefinition{{Name: "lookup_order", Schema: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens:   256,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if captured.Model != "gpt-4o" {
		t.Errorf("request model = %q, want default gpt-4o", captured.Model)
	}
	if captured.MaxTokens != 256 || len(captured.Tools) != 1 {
		t.Errorf("request not populated: max_tokens=%d tools=%d", captured.MaxTokens, len(captured.Tools))
	}
	if resp.Provider != "primary" || resp.Model != "gpt-4o" {
		t.Errorf("identity = %s/%s", resp.Provider, resp.Model)
	}
	if resp.Content != "Checking your order." {
		t.Errorf("Content = %q", resp.Content)
	}
	if !resp.HasToolCalls() || resp.ToolCalls[0].Name != "lookup_order" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Input) != `{"order_id":"A1"}` {
		t.Errorf("tool input = %s", resp.ToolCalls[0].Input)
	}
	if resp.Usage.InputTokens != 1000 || resp.Usage.OutputTokens != 500 || resp.Usage.Estimated {
		t.Errorf("usage = %+v", resp.Usage)
	}
	// gpt-4o: 2.5 in / 10 out per million tokens.
	if want := 0.0025 + 0.005; diff(resp.Cost, want) > 1e-9 {
		t.Errorf("Cost = %v, want %v", resp.Cost, want)
	}
}

func TestOpenAICompleteEstimatesMissingUsage(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hello there friend"}}]}`))
	})

	resp, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if !resp.Usage.Estimated || resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0 {
		t.Errorf("expected estimated usage, got %+v", resp.Usage)
	}
}

func TestOpenAICompleteErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason FailoverReason
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, FailoverRateLimit},
		{"auth", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, FailoverAuth},
		{"server", http.StatusInternalServerError, `{"error":{"message":"oops","type":"server_error"}}`, FailoverServerError},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad","type":"invalid_request_error"}}`, FailoverInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := provider.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: models.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", providerErr.Reason, tt.wantReason)
			}
			if providerErr.Provider != "primary" || providerErr.Status != tt.status {
				t.Errorf("provider=%q status=%d", providerErr.Provider, providerErr.Status)
			}
		})
	}
}

func TestOpenAIEmbed(t *testing.T) {
	provider := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small","usage":{"prompt_tokens":4,"total_tokens":4}}`))
	})

	if !provider.Capabilities().Embeddings {
		t.Fatal("openai provider should advertise embeddings")
	}
	resp, err := provider.Embed(context.Background(), "refund policy")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(resp.Vector) != 3 || resp.Model != "text-embedding-3-small" || resp.Usage.InputTokens != 4 {
		t.Errorf("unexpected embedding response: %+v", resp)
	}
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
