package catalog

import (
	"math"
	"testing"

	"github.com/haasonsaas/flowgate/pkg/models"
)

func TestCatalog_Get(t *testing.T) {
	c := New()

	model, ok := c.Get(models.ProviderAnthropic, "claude-opus-4-20250514")
	if !ok {
		t.Fatal("expected to find claude-opus-4-20250514")
	}
	if model.Name != "Claude Opus 4" {
		t.Errorf("Name = %s, want Claude Opus 4", model.Name)
	}

	model, ok = c.Get(models.ProviderAnthropic, "Sonnet")
	if !ok {
		t.Fatal("expected to find sonnet alias")
	}
	if model.ID != "claude-sonnet-4-20250514" {
		t.Errorf("ID = %s", model.ID)
	}

	if _, ok := c.Get(models.ProviderOpenAI, "sonnet"); ok {
		t.Error("aliases should be scoped to their provider")
	}
	if _, ok := c.Get(models.ProviderOpenAI, "unknown-model"); ok {
		t.Error("should not find unknown-model")
	}
}

func TestCatalog_SameIDAcrossProviders(t *testing.T) {
	c := New()
	openai, ok1 := c.Get(models.ProviderOpenAI, "gpt-4o")
	azure, ok2 := c.Get(models.ProviderAzure, "gpt-4o")
	if !ok1 || !ok2 {
		t.Fatal("expected gpt-4o under both providers")
	}
	if openai == azure {
		t.Error("expected distinct entries per provider")
	}
}

func TestCatalog_Cost(t *testing.T) {
	c := New()
	usage := models.Usage{InputTokens: 1_000_000, OutputTokens: 500_000}

	tests := []struct {
		name  string
		kind  models.ProviderKind
		model string
		want  float64
	}{
		{"priced model", models.ProviderOpenAI, "gpt-4o", 2.5 + 5.0},
		{"alias", models.ProviderAnthropic, "haiku", 0.8 + 2.0},
		{"local provider", models.ProviderOllama, "llama3.1", 0},
		{"unknown model", models.ProviderOpenAI, "gpt-99", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Cost(tt.kind, tt.model, usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCatalog_PricingAndList(t *testing.T) {
	c := New()
	pricing := c.Pricing(models.ProviderOpenAI)
	if p, ok := pricing["gpt-4o-mini"]; !ok || p.InputPerMTok != 0.15 {
		t.Errorf("pricing[gpt-4o-mini] = %+v, %v", p, ok)
	}

	list := c.ListByProvider(models.ProviderAnthropic)
	if len(list) != 3 || list[0].Tier != TierFlagship {
		t.Errorf("unexpected anthropic listing: %d models, first tier %v", len(list), list[0].Tier)
	}

	empty := NewEmpty()
	if len(empty.ListByProvider(models.ProviderOpenAI)) != 0 {
		t.Error("empty catalog should list nothing")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld!", 3},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
