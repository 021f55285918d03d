package providers

import (
	"fmt"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// New constructs a provider of the given kind.
func New(kind models.ProviderKind, cfg Config) (agent.Provider, error) {
	switch kind {
	case models.ProviderOpenAI, models.ProviderAzure, models.ProviderOpenRouter:
		return provider(NewOpenAIProvider(kind, cfg))
	case models.ProviderAnthropic:
		return provider(NewAnthropicProvider(cfg))
	case models.ProviderGoogle:
		return provider(NewGoogleProvider(cfg))
	case models.ProviderBedrock:
		return provider(NewBedrockProvider(cfg))
	case models.ProviderOllama:
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}

// provider keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func provider[P agent.Provider](p P, err error) (agent.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
