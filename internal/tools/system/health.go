// Package system provides tools that report on flowgate itself.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// HealthSource reports provider health. The gateway implements it.
type HealthSource interface {
	Health() []models.ProviderHealth
}

type healthParams struct {
	Provider      string `json:"provider,omitempty" jsonschema:"description=Only report this provider id."`
	UnhealthyOnly bool   `json:"unhealthy_only,omitempty" jsonschema:"description=Only list providers whose circuit is not closed."`
}

var healthSchema = sync.OnceValue(func() json.RawMessage {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(&healthParams{})
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
})

// HealthReport is the tool output.
type HealthReport struct {
	Summary   string          `json:"summary"`
	Providers []ProviderState `json:"providers"`
}

// ProviderState is one provider's line in a HealthReport.
type ProviderState struct {
	Provider   string `json:"provider"`
	Available  bool   `json:"available"`
	Circuit    string `json:"circuit"`
	Failures   int    `json:"consecutive_failures,omitempty"`
	OpenForSec int64  `json:"open_for_seconds,omitempty"`
}

// HealthTool lets the model answer questions about backend availability.
type HealthTool struct {
	source HealthSource
	now    func() time.Time
}

func NewHealthTool(source HealthSource) *HealthTool {
	return &HealthTool{source: source, now: time.Now}
}

func (t *HealthTool) Name() string { return "provider_health" }

func (t *HealthTool) Description() string {
	return "Report the availability of the completion providers behind this assistant."
}

func (t *HealthTool) Schema() json.RawMessage { return healthSchema() }

// Execute returns a JSON HealthReport. Asking for an unknown provider is an
// error so the model does not report it as healthy.
func (t *HealthTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if t.source == nil {
		return "", errors.New("health source unavailable")
	}
	var in healthParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}
	only := strings.ToLower(strings.TrimSpace(in.Provider))

	all := t.source.Health()
	sort.Slice(all, func(i, j int) bool { return all[i].Provider < all[j].Provider })

	report := HealthReport{Providers: []ProviderState{}}
	down := 0
	for _, h := range all {
		if only != "" && h.Provider != only {
			continue
		}
		if !h.Healthy {
			down++
		} else if in.UnhealthyOnly {
			continue
		}
		state := ProviderState{
			Provider:  h.Provider,
			Available: h.Healthy,
			Circuit:   string(h.State),
			Failures:  h.ErrorCount,
		}
		if !h.OpenSince.IsZero() && h.State != models.CircuitClosed {
			state.OpenForSec = int64(t.now().Sub(h.OpenSince) / time.Second)
		}
		report.Providers = append(report.Providers, state)
	}

	switch {
	case only != "" && len(report.Providers) == 0 && !in.UnhealthyOnly:
		return "", fmt.Errorf("unknown provider %q", in.Provider)
	case down == 0:
		report.Summary = "all providers healthy"
	default:
		report.Summary = fmt.Sprintf("%d provider(s) unavailable", down)
	}

	out, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
