package providers

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

	"github.com/google/uuid"
	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/toolconv"
	"github.com/haasonsaas/flowgate/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOllamaBaseURL        = "http://localhost:11434"
	defaultOllamaModel          = "llama3.1"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
	defaultOllamaTimeout        = 2 * time.Minute
)

// OllamaProvider talks to a self-hosted Ollama server over its REST API.
//
// Ollama is local, so completions cost nothing. Many models it serves lack
// native tool calling; with StructuredToolCalls disabled the provider
// describes the tools in the system prompt and extracts calls from the answer
// text with a TextToolCallDecoder.
type OllamaProvider struct {
	BaseProvider
	client         *http.Client
	baseURL        string
	embeddingModel string
	structured     bool
	decoder        TextToolCallDecoder
}

// NewOllamaProvider creates an Ollama provider. No API key is required.
func NewOllamaProvider(cfg Config) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultOllamaEmbeddingModel
	}
	structured := true
	if cfg.StructuredToolCalls != nil {
		structured = *cfg.StructuredToolCalls
	}
	return &OllamaProvider{
		BaseProvider:   NewBaseProvider(models.ProviderOllama, cfg, defaultOllamaModel),
		client:         &http.Client{Timeout: defaultOllamaTimeout},
		baseURL:        baseURL,
		embeddingModel: embeddingModel,
		structured:     structured,
	}
}

// Capabilities reports the configured tool-call mode.
func (p *OllamaProvider) Capabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{StructuredToolCalls: p.structured, Streaming: true, Embeddings: true}
}

// Complete sends a non-streaming /api/chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	started := time.Now()
	model := p.model(strings.TrimSpace(req.Model))

	system := req.System
	payload := ollamaChatRequest{Model: model}
	if len(req.Tools) > 0 {
		if p.structured {
			payload.Tools = toolconv.ToOpenAITools(req.Tools)
		} else {
			system = strings.TrimSpace(system + "\n\n" + p.decoder.Instructions(req.Tools))
		}
	}
	payload.Messages = buildOllamaMessages(system, req.Messages)

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	var chat ollamaChatResponse
	if err := p.post(ctx, "/api/chat", model, payload, &chat); err != nil {
		return nil, err
	}
	if chat.Error != "" {
		return nil, NewProviderError(p.Name(), model, errors.New(chat.Error))
	}

	resp := &agent.CompletionResponse{
		StopReason: chat.DoneReason,
		Usage: models.Usage{
			InputTokens:  chat.PromptEvalCount,
			OutputTokens: chat.EvalCount,
		},
	}
	if chat.Message != nil {
		resp.Content = chat.Message.Content
		for _, tc := range chat.Message.ToolCalls {
			callID := strings.TrimSpace(tc.ID)
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    callID,
				Name:  strings.TrimSpace(tc.Function.Name),
				Input: args,
			})
		}
	}
	if !p.structured && len(req.Tools) > 0 && len(resp.ToolCalls) == 0 {
		resp.Content, resp.ToolCalls = p.decoder.Decode(resp.Content, req.Tools)
	}
	return p.finish(req, resp, model, started), nil
}

// Embed calls /api/embed.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (*agent.EmbeddingResponse, error) {
	var out struct {
		Embeddings      [][]float32 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
	}
	payload := map[string]any{"model": p.embeddingModel, "input": text}
	if err := p.post(ctx, "/api/embed", p.embeddingModel, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, NewProviderError(p.Name(), p.embeddingModel, errors.New("empty embedding response"))
	}
	resp := &agent.EmbeddingResponse{
		Vector: out.Embeddings[0],
		Usage:  models.Usage{InputTokens: out.PromptEvalCount},
	}
	return p.embedded(resp, text, p.embeddingModel), nil
}

// Ping lists local models.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return p.wrap("", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.wrap("", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return NewProviderError(p.Name(), "", fmt.Errorf("ollama status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}
	return nil
}

func (p *OllamaProvider) post(ctx context.Context, path, model string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewProviderError(p.Name(), model, fmt.Errorf("marshal request: %w", err)).WithStatus(http.StatusBadRequest)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return p.wrap(model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.wrap(model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if err != nil {
			return NewProviderError(p.Name(), model, fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, err)).WithStatus(resp.StatusCode)
		}
		return NewProviderError(p.Name(), model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewProviderError(p.Name(), model, fmt.Errorf("decode response: %w", err)).WithStatus(http.StatusBadGateway)
	}
	return nil
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(system string, history []agent.CompletionMessage) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(history)+1)
	toolNames := map[string]string{}
	for _, msg := range history {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if system = strings.TrimSpace(system); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range history {
		role := string(msg.Role)
		if role == "" {
			role = string(models.RoleUser)
		}
		switch msg.Role {
		case models.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, ollamaMsg)
		case models.RoleTool:
			messages = append(messages, ollamaChatMessage{
				Role:     role,
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}
