// Package catalog provides the static model catalog and per-model price table
// used for cost accounting.
package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// Capability identifies a model capability.
type Capability string

const (
	CapTools      Capability = "tools"      // Supports function calling
	CapStreaming  Capability = "streaming"  // Supports streaming responses
	CapVision     Capability = "vision"     // Can process images
	CapEmbeddings Capability = "embeddings" // Can generate embeddings
	CapReasoning  Capability = "reasoning"  // Extended reasoning
)

// Tier identifies a model's quality/cost tier.
type Tier string

const (
	TierFlagship Tier = "flagship" // Best quality, highest cost
	TierStandard Tier = "standard" // Good balance
	TierFast     Tier = "fast"     // Faster, cheaper
	TierMini     Tier = "mini"     // Smallest/cheapest
)

// Model describes a model and its price.
type Model struct {
	// ID is the model identifier used in API calls
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Provider models.ProviderKind `json:"provider" yaml:"provider"`
	Tier     Tier                `json:"tier,omitempty" yaml:"tier,omitempty"`

	// ContextWindow is the maximum context size in tokens
	ContextWindow   int `json:"context_window,omitempty" yaml:"context_window,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`

	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Aliases      []string     `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	// InputPrice is the price per million input tokens (USD)
	InputPrice float64 `json:"input_price" yaml:"input_price"`

	// OutputPrice is the price per million output tokens (USD)
	OutputPrice float64 `json:"output_price" yaml:"output_price"`
}

// HasCapability checks if the model has a specific capability.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Price returns the model's price.
func (m *Model) Price() models.Price {
	return models.Price{InputPerMTok: m.InputPrice, OutputPerMTok: m.OutputPrice}
}

// Catalog is a concurrency-safe collection of models keyed by provider kind
// and model ID.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model // kind/id -> model
	aliases map[string]string // kind/alias -> kind/id
}

// New creates a catalog with the built-in models registered.
func New() *Catalog {
	c := NewEmpty()
	c.registerBuiltinModels()
	return c
}

// NewEmpty creates a catalog with no models.
func NewEmpty() *Catalog {
	return &Catalog{
		models:  make(map[string]*Model),
		aliases: make(map[string]string),
	}
}

func key(kind models.ProviderKind, id string) string {
	return string(kind) + "/" + strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces a model.
func (c *Catalog) Register(model *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(model.Provider, model.ID)
	c.models[k] = model
	for _, alias := range model.Aliases {
		c.aliases[key(model.Provider, alias)] = k
	}
}

// Get retrieves a model by provider kind and ID or alias.
func (c *Catalog) Get(kind models.ProviderKind, id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	k := key(kind, id)
	if model, ok := c.models[k]; ok {
		return model, true
	}
	if real, ok := c.aliases[k]; ok {
		return c.models[real], true
	}
	return nil, false
}

// ListByProvider returns the models of one provider kind sorted by tier then ID.
func (c *Catalog) ListByProvider(kind models.ProviderKind) []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Model
	for _, m := range c.models {
		if m.Provider == kind {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Tier != result[j].Tier {
			return tierRank(result[i].Tier) < tierRank(result[j].Tier)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Pricing returns the price table for a provider kind keyed by model ID.
func (c *Catalog) Pricing(kind models.ProviderKind) map[string]models.Price {
	out := make(map[string]models.Price)
	for _, m := range c.ListByProvider(kind) {
		out[m.ID] = m.Price()
	}
	return out
}

// Cost computes the USD cost of usage on a model. Local provider kinds and
// models missing from the catalog cost zero.
func (c *Catalog) Cost(kind models.ProviderKind, model string, usage models.Usage) float64 {
	if kind.Local() {
		return 0
	}
	m, ok := c.Get(kind, model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1_000_000*m.InputPrice +
		float64(usage.OutputTokens)/1_000_000*m.OutputPrice
}

// EstimateTokens approximates the token count of text at four characters per
// token. Callers must treat the result as approximate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text))
	return (n + 3) / 4
}

func tierRank(t Tier) int {
	switch t {
	case TierFlagship:
		return 0
	case TierStandard:
		return 1
	case TierFast:
		return 2
	case TierMini:
		return 3
	default:
		return 4
	}
}

func (c *Catalog) registerBuiltinModels() {
	// Anthropic models
	c.Register(&Model{
		ID:              "claude-opus-4-20250514",
		Name:            "Claude Opus 4",
		Provider:        models.ProviderAnthropic,
		Tier:            TierFlagship,
		ContextWindow:   200000,
		MaxOutputTokens: 32000,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision, CapReasoning},
		Aliases:         []string{"claude-opus-4", "opus"},
		InputPrice:      15.0,
		OutputPrice:     75.0,
	})
	c.Register(&Model{
		ID:              "claude-sonnet-4-20250514",
		Name:            "Claude Sonnet 4",
		Provider:        models.ProviderAnthropic,
		Tier:            TierStandard,
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision},
		Aliases:         []string{"claude-sonnet-4", "sonnet"},
		InputPrice:      3.0,
		OutputPrice:     15.0,
	})
	c.Register(&Model{
		ID:              "claude-3-5-haiku-latest",
		Name:            "Claude 3.5 Haiku",
		Provider:        models.ProviderAnthropic,
		Tier:            TierFast,
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapStreaming},
		Aliases:         []string{"haiku"},
		InputPrice:      0.8,
		OutputPrice:     4.0,
	})

	// OpenAI models
	c.Register(&Model{
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		Provider:        models.ProviderOpenAI,
		Tier:            TierStandard,
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision},
		InputPrice:      2.5,
		OutputPrice:     10.0,
	})
	c.Register(&Model{
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o mini",
		Provider:        models.ProviderOpenAI,
		Tier:            TierMini,
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision},
		InputPrice:      0.15,
		OutputPrice:     0.6,
	})
	c.Register(&Model{
		ID:              "o3-mini",
		Name:            "o3-mini",
		Provider:        models.ProviderOpenAI,
		Tier:            TierFast,
		ContextWindow:   200000,
		MaxOutputTokens: 100000,
		Capabilities:    []Capability{CapTools, CapReasoning},
		InputPrice:      1.1,
		OutputPrice:     4.4,
	})
	c.Register(&Model{
		ID:           "text-embedding-3-small",
		Provider:     models.ProviderOpenAI,
		Tier:         TierMini,
		Capabilities: []Capability{CapEmbeddings},
		InputPrice:   0.02,
	})

	// Azure OpenAI mirrors OpenAI list pricing.
	c.Register(&Model{
		ID:           "gpt-4o",
		Name:         "GPT-4o (Azure)",
		Provider:     models.ProviderAzure,
		Tier:         TierStandard,
		Capabilities: []Capability{CapTools, CapStreaming},
		InputPrice:   2.5,
		OutputPrice:  10.0,
	})

	// Google models
	c.Register(&Model{
		ID:              "gemini-2.0-flash",
		Name:            "Gemini 2.0 Flash",
		Provider:        models.ProviderGoogle,
		Tier:            TierFast,
		ContextWindow:   1048576,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision},
		Aliases:         []string{"gemini-flash"},
		InputPrice:      0.1,
		OutputPrice:     0.4,
	})
	c.Register(&Model{
		ID:              "gemini-1.5-pro-latest",
		Name:            "Gemini 1.5 Pro",
		Provider:        models.ProviderGoogle,
		Tier:            TierStandard,
		ContextWindow:   2097152,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapStreaming, CapVision},
		Aliases:         []string{"gemini-pro"},
		InputPrice:      1.25,
		OutputPrice:     5.0,
	})
	c.Register(&Model{
		ID:           "text-embedding-004",
		Provider:     models.ProviderGoogle,
		Tier:         TierMini,
		Capabilities: []Capability{CapEmbeddings},
	})

	// Bedrock models
	c.Register(&Model{
		ID:              "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Name:            "Claude 3.5 Sonnet (Bedrock)",
		Provider:        models.ProviderBedrock,
		Tier:            TierStandard,
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		Capabilities:    []Capability{CapTools, CapStreaming},
		InputPrice:      3.0,
		OutputPrice:     15.0,
	})
	c.Register(&Model{
		ID:              "amazon.nova-lite-v1:0",
		Name:            "Nova Lite",
		Provider:        models.ProviderBedrock,
		Tier:            TierFast,
		ContextWindow:   300000,
		MaxOutputTokens: 5000,
		Capabilities:    []Capability{CapTools},
		InputPrice:      0.06,
		OutputPrice:     0.24,
	})

	// Ollama models run locally and are free.
	c.Register(&Model{
		ID:            "llama3.1",
		Name:          "Llama 3.1",
		Provider:      models.ProviderOllama,
		Tier:          TierStandard,
		ContextWindow: 128000,
		Capabilities:  []Capability{CapTools},
	})
	c.Register(&Model{
		ID:           "nomic-embed-text",
		Provider:     models.ProviderOllama,
		Tier:         TierMini,
		Capabilities: []Capability{CapEmbeddings},
	})
}
