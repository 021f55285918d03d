// Package policies loads routing policies ("flows") from SQL or files and
// normalizes their raw flow configuration into validated RoutingPolicy
// values. The routing engine never sees raw configuration.
package policies

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// ErrInvalidConfig is returned when a flow configuration cannot be
// normalized or fails validation.
var ErrInvalidConfig = errors.New("policies: invalid flow config")

// maxDecodeDepth bounds how many times a string-encoded config is decoded.
const maxDecodeDepth = 3

// wrapperKeys are envelope keys whose value is the real configuration.
var wrapperKeys = []string{"config", "flow", "flow_config"}

// FlowConfig is the configuration blob stored alongside a policy row.
type FlowConfig struct {
	Model        string                  `json:"model,omitempty" yaml:"model,omitempty" jsonschema:"description=Model to request from the provider"`
	Conditions   models.ConditionSet     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	EnabledTools *[]string               `json:"enabled_tools,omitempty" yaml:"enabled_tools,omitempty" jsonschema:"description=Tool allow-list; omit for unrestricted and use [] to disable tools"`
	Params       models.GenerationParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// Record is a policy as stored: fixed columns plus the raw flow config.
type Record struct {
	ID                string          `json:"id" yaml:"id"`
	Name              string          `json:"name,omitempty" yaml:"name,omitempty"`
	Channel           string          `json:"channel,omitempty" yaml:"channel,omitempty"`
	ChannelInstanceID string          `json:"channel_instance_id,omitempty" yaml:"channel_instance_id,omitempty"`
	Provider          string          `json:"provider" yaml:"provider"`
	Priority          int             `json:"priority" yaml:"priority"`
	Active            *bool           `json:"active,omitempty" yaml:"active,omitempty"`
	Config            json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// Normalize turns a raw flow configuration into a FlowConfig. It accepts:
//   - null or empty input (zero config: matches everything, tools unrestricted)
//   - an object
//   - a JSON string holding any of the above, decoded up to three times
//   - an object wrapped in a single "config", "flow" or "flow_config" key
//
// Any other shape, or an object failing schema validation, yields
// ErrInvalidConfig.
func Normalize(raw json.RawMessage) (FlowConfig, error) {
	var cfg FlowConfig

	value, err := decodeLayers(raw, 0)
	if err != nil {
		return cfg, err
	}
	if value == nil {
		return cfg, nil
	}

	obj, err := unwrap(value, 0)
	if err != nil {
		return cfg, err
	}
	if obj == nil {
		return cfg, nil
	}
	dropNulls(obj)

	if err := validateFlowConfig(obj); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(canonical, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// decodeLayers decodes raw and keeps decoding while the result is a string.
func decodeLayers(raw []byte, depth int) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if depth >= maxDecodeDepth {
		return nil, fmt.Errorf("%w: string encoding nested more than %d levels", ErrInvalidConfig, maxDecodeDepth)
	}

	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if s, ok := value.(string); ok {
		return decodeLayers([]byte(s), depth+1)
	}
	return value, nil
}

func unwrap(value any, depth int) (map[string]any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrInvalidConfig, shapeOf(value))
	}
	if len(obj) != 1 || depth >= maxDecodeDepth {
		return obj, nil
	}
	for _, key := range wrapperKeys {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		switch v := inner.(type) {
		case nil:
			return nil, nil
		case string:
			decoded, err := decodeLayers([]byte(v), 0)
			if err != nil || decoded == nil {
				return nil, err
			}
			return unwrap(decoded, depth+1)
		default:
			return unwrap(v, depth+1)
		}
	}
	return obj, nil
}

func dropNulls(obj map[string]any) {
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			delete(obj, k)
		case map[string]any:
			if k != "custom" {
				dropNulls(val)
			}
		}
	}
}

func shapeOf(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ToPolicy builds the validated policy for a record.
func (r Record) ToPolicy() (models.RoutingPolicy, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return models.RoutingPolicy{}, fmt.Errorf("%w: policy id is required", ErrInvalidConfig)
	}
	provider := strings.ToLower(strings.TrimSpace(r.Provider))
	if provider == "" {
		return models.RoutingPolicy{}, fmt.Errorf("%w: policy %s: provider is required", ErrInvalidConfig, id)
	}
	cfg, err := Normalize(r.Config)
	if err != nil {
		return models.RoutingPolicy{}, fmt.Errorf("policy %s: %w", id, err)
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return models.RoutingPolicy{
		ID:                id,
		Name:              r.Name,
		Channel:           models.ChannelType(strings.ToLower(strings.TrimSpace(r.Channel))),
		ChannelInstanceID: strings.TrimSpace(r.ChannelInstanceID),
		Provider:          provider,
		Model:             cfg.Model,
		Conditions:        cfg.Conditions,
		Priority:          r.Priority,
		EnabledTools:      models.CopyAllowList(cfg.EnabledTools),
		Params:            cfg.Params,
		Active:            active,
	}, nil
}
