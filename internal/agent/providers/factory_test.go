package providers

import (
	"testing"

	"github.com/haasonsaas/flowgate/pkg/models"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		kind     models.ProviderKind
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{name: "openai", kind: models.ProviderOpenAI, cfg: Config{Name: "Primary", APIKey: "sk-test"}, wantName: "primary"},
		{name: "openrouter", kind: models.ProviderOpenRouter, cfg: Config{APIKey: "or-test"}, wantName: "openrouter"},
		{name: "azure needs endpoint", kind: models.ProviderAzure, cfg: Config{APIKey: "az"}, wantErr: true},
		{name: "anthropic", kind: models.ProviderAnthropic, cfg: Config{APIKey: "sk-ant"}, wantName: "anthropic"},
		{name: "ollama needs no key", kind: models.ProviderOllama, cfg: Config{Name: "local"}, wantName: "local"},
		{name: "openai without key", kind: models.ProviderOpenAI, cfg: Config{}, wantErr: true},
		{name: "unknown kind", kind: models.ProviderKind("mystery"), cfg: Config{APIKey: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.kind, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got provider %v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if p.Name() != tt.wantName || p.Kind() != tt.kind {
				t.Errorf("got %s/%s, want %s/%s", p.Name(), p.Kind(), tt.wantName, tt.kind)
			}
		})
	}
}
