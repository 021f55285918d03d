package policies

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantModel string
		wantErr   bool
		check     func(t *testing.T, cfg FlowConfig)
	}{
		{name: "empty", raw: ``},
		{name: "null", raw: `null`},
		{name: "object", raw: `{"model":"gpt-4o","priority_hint":1}`, wantModel: "gpt-4o"},
		{name: "string encoded", raw: `"{\"model\":\"claude\"}"`, wantModel: "claude"},
		{name: "double string encoded", raw: `"\"{\\\"model\\\":\\\"claude\\\"}\""`, wantModel: "claude"},
		{name: "empty string", raw: `""`},
		{name: "wrapped object", raw: `{"config":{"model":"llama3"}}`, wantModel: "llama3"},
		{name: "wrapped string", raw: `{"flow":"{\"model\":\"llama3\"}"}`, wantModel: "llama3"},
		{name: "wrapped null", raw: `{"flow_config":null}`},
		{name: "array", raw: `[{"model":"x"}]`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
		{name: "string of array", raw: `"[1,2]"`, wantErr: true},
		{name: "malformed", raw: `{"model":`, wantErr: true},
		{name: "wrong field type", raw: `{"model":5}`, wantErr: true},
		{name: "bad time window", raw: `{"conditions":{"time_window":{"start":"25:00","end":"10:00"}}}`, wantErr: true},
		{name: "time window missing end", raw: `{"conditions":{"time_window":{"start":"09:00"}}}`, wantErr: true},
		{
			name: "null tools means unrestricted",
			raw:  `{"enabled_tools":null}`,
			check: func(t *testing.T, cfg FlowConfig) {
				if cfg.EnabledTools != nil {
					t.Errorf("EnabledTools = %v, want nil", *cfg.EnabledTools)
				}
			},
		},
		{
			name: "empty tools disables",
			raw:  `{"enabled_tools":[]}`,
			check: func(t *testing.T, cfg FlowConfig) {
				if cfg.EnabledTools == nil || len(*cfg.EnabledTools) != 0 {
					t.Errorf("EnabledTools = %v, want empty non-nil", cfg.EnabledTools)
				}
			},
		},
		{
			name: "full config",
			raw: `{
				"model": "gpt-4o-mini",
				"conditions": {"channels": ["slack"], "pattern": "/refund/i", "time_window": {"start": "22:00", "end": "06:00"}, "custom": {"tier": null}},
				"enabled_tools": ["lookup_order"],
				"params": {"temperature": 0.2, "max_tokens": 512, "system_prompt": "Be brief."}
			}`,
			wantModel: "gpt-4o-mini",
			check: func(t *testing.T, cfg FlowConfig) {
				if cfg.Conditions.Pattern != "/refund/i" || len(cfg.Conditions.Channels) != 1 {
					t.Errorf("conditions = %+v", cfg.Conditions)
				}
				if cfg.Conditions.TimeWindow == nil || cfg.Conditions.TimeWindow.Start != "22:00" {
					t.Errorf("time window = %+v", cfg.Conditions.TimeWindow)
				}
				if cfg.Params.Temperature == nil || *cfg.Params.Temperature != 0.2 || cfg.Params.MaxTokens != 512 {
					t.Errorf("params = %+v", cfg.Params)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Normalize(json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if cfg.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", cfg.Model, tt.wantModel)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestRecordToPolicy(t *testing.T) {
	inactive := false
	rec := Record{
		ID:       " refunds ",
		Channel:  "Slack",
		Provider: "OpenAI",
		Priority: 3,
		Active:   &inactive,
		Config:   json.RawMessage(`"{\"model\":\"gpt-4o\",\"enabled_tools\":[\"issue_refund\"]}"`),
	}
	p, err := rec.ToPolicy()
	if err != nil {
		t.Fatalf("ToPolicy: %v", err)
	}
	if p.ID != "refunds" || p.Channel != "slack" || p.Provider != "openai" || p.Model != "gpt-4o" {
		t.Errorf("policy = %+v", p)
	}
	if p.Active {
		t.Error("explicit active=false lost")
	}
	if p.EnabledTools == nil || (*p.EnabledTools)[0] != "issue_refund" {
		t.Errorf("tools = %v", p.EnabledTools)
	}

	if _, err := (Record{ID: "x"}).ToPolicy(); err == nil || !strings.Contains(err.Error(), "provider is required") {
		t.Errorf("missing provider err = %v", err)
	}
	if _, err := (Record{Provider: "openai"}).ToPolicy(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing id err = %v", err)
	}
	if p, err := (Record{ID: "d", Provider: "ollama"}).ToPolicy(); err != nil || !p.Active {
		t.Errorf("default active: %+v, %v", p, err)
	}
}

func TestSchemaIsReflected(t *testing.T) {
	raw, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := doc["properties"].(map[string]any)
	for _, key := range []string{"model", "conditions", "enabled_tools", "params"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing property %q", key)
		}
	}
}
