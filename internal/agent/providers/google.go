package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/toolconv"
	"github.com/haasonsaas/flowgate/pkg/models"
	"google.golang.org/genai"
)

const (
	defaultGoogleModel          = "gemini-2.0-flash"
	defaultGoogleEmbeddingModel = "text-embedding-004"
)

// GoogleProvider implements agent.Provider for Google's Gemini models via the
// Gen AI SDK.
//
// Gemini does not assign IDs to function calls, so the provider generates
// them. Tool results are sent back as FunctionResponse parts, which requires
// mapping each result's call ID back to the tool name.
type GoogleProvider struct {
	BaseProvider
	client         *genai.Client
	embeddingModel string
}

var googleCallSeq atomic.Uint64

// NewGoogleProvider creates a Gemini API provider.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultGoogleEmbeddingModel
	}

	return &GoogleProvider{
		BaseProvider:   NewBaseProvider(models.ProviderGoogle, cfg, defaultGoogleModel),
		client:         client,
		embeddingModel: embeddingModel,
	}, nil
}

// Capabilities reports native function calling and embeddings.
func (p *GoogleProvider) Capabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{StructuredToolCalls: true, Streaming: true, Embeddings: true}
}

// Complete sends a GenerateContent request.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	started := time.Now()
	model := p.model(req.Model)

	result, err := p.client.Models.GenerateContent(ctx, model, convertGeminiMessages(req.Messages), buildGeminiConfig(req))
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	resp, err := fromGeminiResponse(result)
	if err != nil {
		return nil, p.wrap(model, err)
	}
	return p.finish(req, resp, model, started), nil
}

// Embed returns an embedding vector for text.
func (p *GoogleProvider) Embed(ctx context.Context, text string) (*agent.EmbeddingResponse, error) {
	result, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, p.wrapError(err, p.embeddingModel)
	}
	if result == nil || len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, NewProviderError(p.Name(), p.embeddingModel, errors.New("empty embedding response"))
	}
	resp := &agent.EmbeddingResponse{Vector: result.Embeddings[0].Values}
	return p.embedded(resp, text, p.embeddingModel), nil
}

// Ping fetches the default model's metadata.
func (p *GoogleProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.defaultModel, nil); err != nil {
		return p.wrapError(err, p.defaultModel)
	}
	return nil
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func convertGeminiMessages(messages []agent.CompletionMessage) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     toolNameForCall(msg.ToolCallID, messages),
					Response: response,
				},
			})
			result = append(result, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

func fromGeminiResponse(result *genai.GenerateContentResponse) (*agent.CompletionResponse, error) {
	if result == nil || len(result.Candidates) == 0 {
		if result != nil && result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("content blocked: %s", result.PromptFeedback.BlockReason)
		}
		return nil, errors.New("empty response: no candidates returned")
	}

	candidate := result.Candidates[0]
	resp := &agent.CompletionResponse{StopReason: string(candidate.FinishReason)}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || part.FunctionCall.Args == nil {
					args = []byte("{}")
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = generateToolCallID(part.FunctionCall.Name)
				}
				resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: args,
				})
			}
		}
	}
	resp.Content = text.String()

	if usage := result.UsageMetadata; usage != nil {
		resp.Usage.InputTokens = int(usage.PromptTokenCount)
		resp.Usage.OutputTokens = int(usage.CandidatesTokenCount)
	}
	return resp, nil
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError(p.Name(), model, err).
			WithStatus(apiErr.Code).
			WithCode(apiErr.Status).
			WithMessage(apiErr.Message)
	}
	providerErr := NewProviderError(p.Name(), model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	}
	return p.wrap(model, providerErr)
}

// generateToolCallID generates a unique ID for a tool call Gemini left unnamed.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, googleCallSeq.Add(1))
}

// toolNameForCall finds the tool name for a call ID in earlier assistant turns.
func toolNameForCall(toolCallID string, messages []agent.CompletionMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 3 && parts[0] == "call" {
		return strings.Join(parts[1:len(parts)-1], "_")
	}
	return ""
}
