package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/toolconv"
	"github.com/haasonsaas/flowgate/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel          = "gpt-4o"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOpenRouterBaseURL    = "https://openrouter.ai/api/v1"
	azureAPIVersion             = "2024-06-01"
)

// OpenAIProvider implements agent.Provider for OpenAI's chat completion API.
// The same implementation serves Azure OpenAI and OpenRouter, which speak the
// same wire protocol behind a different base URL.
//
// Key Differences from Anthropic Provider:
//   - System messages are included in the messages array (not separate)
//   - Tool results require separate messages (one per tool call)
//   - Tool call arguments arrive as a JSON string, not an object
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
//
// Example:
//
//	provider, err := NewOpenAIProvider(models.ProviderOpenAI, Config{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := provider.Complete(ctx, &agent.CompletionRequest{
//	    System:   "You are a helpful assistant.",
//	    Messages: []agent.CompletionMessage{{Role: models.RoleUser, Content: "Hello!"}},
//	})
type OpenAIProvider struct {
	BaseProvider
	client         *openai.Client
	embeddingModel string
}

// NewOpenAIProvider creates a provider for kind, which must be one of
// ProviderOpenAI, ProviderAzure or ProviderOpenRouter.
func NewOpenAIProvider(kind models.ProviderKind, cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", kind)
	}

	var clientCfg openai.ClientConfig
	switch kind {
	case models.ProviderOpenAI:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	case models.ProviderOpenRouter:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = defaultOpenRouterBaseURL
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	case models.ProviderAzure:
		if cfg.BaseURL == "" {
			return nil, errors.New("azure: base_url (resource endpoint) is required")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		clientCfg.APIVersion = azureAPIVersion
	default:
		return nil, fmt.Errorf("openai: unsupported provider kind %q", kind)
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" && kind == models.ProviderOpenAI {
		embeddingModel = defaultOpenAIEmbeddingModel
	}

	return &OpenAIProvider{
		BaseProvider:   NewBaseProvider(kind, cfg, defaultOpenAIModel),
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: embeddingModel,
	}, nil
}

// Capabilities reports native tool calling; embeddings when a model is set.
func (p *OpenAIProvider) Capabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{
		StructuredToolCalls: true,
		Streaming:           true,
		Embeddings:          p.embeddingModel != "",
	}
}

// Complete sends a single chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	started := time.Now()
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(completion.Choices) == 0 {
		return nil, NewProviderError(p.Name(), model, errors.New("empty response: no choices returned")).
			WithStatus(502)
	}

	choice := completion.Choices[0]
	resp := &agent.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: models.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	return p.finish(req, resp, model, started), nil
}

// Embed returns an embedding vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (*agent.EmbeddingResponse, error) {
	if p.embeddingModel == "" {
		return nil, NewProviderError(p.Name(), "", errors.New("embeddings not configured")).WithStatus(400)
	}
	result, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, p.wrapError(err, p.embeddingModel)
	}
	if len(result.Data) == 0 {
		return nil, NewProviderError(p.Name(), p.embeddingModel, errors.New("empty embedding response"))
	}
	resp := &agent.EmbeddingResponse{
		Vector: result.Data[0].Embedding,
		Usage:  models.Usage{InputTokens: result.Usage.PromptTokens},
	}
	return p.embedded(resp, text, p.embeddingModel), nil
}

// Ping lists models as a cheap authenticated liveness check.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.wrapError(err, "")
	}
	return nil
}

func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.Name(), model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return p.wrap(model, err)
}
