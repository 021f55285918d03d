// Package toolconv translates flowgate tool definitions into each provider
// SDK's tool format.
package toolconv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// schemaNode is the part of JSON Schema that every provider tool format can
// express. Keywords outside it are kept only by formats that accept raw
// schemas (OpenAI, Bedrock).
type schemaNode struct {
	Type        schemaType             `json:"type"`
	Description string                 `json:"description"`
	Format      string                 `json:"format"`
	Enum        []any                  `json:"enum"`
	Properties  map[string]*schemaNode `json:"properties"`
	Required    []string               `json:"required"`
	Items       *schemaNode            `json:"items"`
	Minimum     *float64               `json:"minimum"`
	Maximum     *float64               `json:"maximum"`
}

// schemaType accepts both "string" and ["string", "null"].
type schemaType struct {
	Name     string
	Nullable bool
}

func (t *schemaType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return err
		}
		for _, n := range names {
			if n == "null" {
				t.Nullable = true
			} else if t.Name == "" {
				t.Name = n
			}
		}
		return nil
	}
	return json.Unmarshal(data, &t.Name)
}

// parseSchema decodes a tool's parameter schema. A missing schema is an
// empty object; anything other than an object schema is rejected.
func parseSchema(name string, raw json.RawMessage) (*schemaNode, map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &schemaNode{Type: schemaType{Name: "object"}}, emptyObject(), nil
	}
	var node schemaNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, nil, fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	if m == nil {
		m = emptyObject()
	}
	if node.Type.Name == "" {
		node.Type.Name = "object"
		m["type"] = "object"
	}
	if node.Type.Name != "object" {
		return nil, nil, fmt.Errorf("tool %s: schema type must be object, got %q", name, node.Type.Name)
	}
	return &node, m, nil
}

// lenientSchema is parseSchema for formats that cannot report an error;
// a broken schema degrades to an empty object.
func lenientSchema(name string, raw json.RawMessage) (*schemaNode, map[string]any) {
	node, m, err := parseSchema(name, raw)
	if err != nil {
		return &schemaNode{Type: schemaType{Name: "object"}}, emptyObject()
	}
	return node, m
}

func emptyObject() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
