package providers

import (
	"strings"
	"time"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/catalog"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Config holds the settings shared by every provider implementation.
type Config struct {
	// Name is the registered instance ID. Defaults to the kind.
	Name string

	APIKey       string
	BaseURL      string
	DefaultModel string

	// EmbeddingModel is used by Embed when the provider supports embeddings.
	EmbeddingModel string

	// Region is used by cloud providers that are region scoped (Bedrock).
	Region string

	// Static AWS credentials. When empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// StructuredToolCalls overrides tool-call mode for backends where it
	// depends on the served model (Ollama).
	StructuredToolCalls *bool

	// Catalog supplies prices. Defaults to catalog.New().
	Catalog *catalog.Catalog
}

// BaseProvider holds identity and accounting shared by provider implementations.
type BaseProvider struct {
	name         string
	kind         models.ProviderKind
	defaultModel string
	catalog      *catalog.Catalog
}

// NewBaseProvider creates a base provider.
func NewBaseProvider(kind models.ProviderKind, cfg Config, fallbackModel string) BaseProvider {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = string(kind)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = fallbackModel
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.New()
	}
	return BaseProvider{
		name:         name,
		kind:         kind,
		defaultModel: model,
		catalog:      cat,
	}
}

// Name returns the registered instance ID.
func (b *BaseProvider) Name() string {
	return b.name
}

// Kind returns the provider kind.
func (b *BaseProvider) Kind() models.ProviderKind {
	return b.kind
}

// DefaultModel returns the model used when a request names none.
func (b *BaseProvider) DefaultModel() string {
	return b.defaultModel
}

// model resolves the request model against the default.
func (b *BaseProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return b.defaultModel
}

// finish fills identity, latency, usage and cost on resp. Token counts the
// backend did not report are estimated from the prompt and answer text.
func (b *BaseProvider) finish(req *agent.CompletionRequest, resp *agent.CompletionResponse, model string, started time.Time) *agent.CompletionResponse {
	resp.Provider = b.name
	resp.Model = model
	resp.Latency = time.Since(started)

	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = catalog.EstimateTokens(req.PromptText())
		resp.Usage.Estimated = true
	}
	if resp.Usage.OutputTokens == 0 {
		out := resp.Content
		for _, call := range resp.ToolCalls {
			out += call.Name + string(call.Input)
		}
		resp.Usage.OutputTokens = catalog.EstimateTokens(out)
		resp.Usage.Estimated = true
	}
	resp.Cost = b.catalog.Cost(b.kind, model, resp.Usage)
	return resp
}

// embedded fills identity, usage and cost on an embedding response.
func (b *BaseProvider) embedded(resp *agent.EmbeddingResponse, text, model string) *agent.EmbeddingResponse {
	resp.Provider = b.name
	resp.Model = model
	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = catalog.EstimateTokens(text)
		resp.Usage.Estimated = true
	}
	resp.Cost = b.catalog.Cost(b.kind, model, resp.Usage)
	return resp
}

// wrap converts err into a ProviderError attributed to this provider.
func (b *BaseProvider) wrap(model string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := GetProviderError(err); ok {
		if pe.Provider == "" {
			pe.Provider = b.name
		}
		return pe
	}
	return NewProviderError(b.name, model, err)
}
