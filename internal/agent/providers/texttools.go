package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// TextToolCallDecoder extracts tool calls that a model embedded in free text
// as a JSON object. It serves backends without native tool calling.
//
// Recognized shapes, fenced or bare:
//
//	{"tool_calls": [{"name": "lookup", "arguments": {"id": 1}}]}
//	{"name": "lookup", "arguments": {"id": 1}}
//	{"tool": "lookup", "parameters": {"id": 1}}
//
// Objects naming a tool that was not offered are left in the text.
type TextToolCallDecoder struct{}

type textToolCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

type textToolEnvelope struct {
	ToolCalls []textToolCall `json:"tool_calls"`
	textToolCall
}

// Instructions returns the system prompt suffix that teaches the model the
// format Decode understands.
func (TextToolCallDecoder) Instructions(tools []agent.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You can call tools. To call tools, reply with a JSON object of the form\n")
	b.WriteString(`{"tool_calls": [{"name": "<tool>", "arguments": {...}}]}`)
	b.WriteString("\nand nothing else. Available tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s", tool.Name, tool.Description)
		if len(tool.Schema) > 0 {
			fmt.Fprintf(&b, " Parameters schema: %s", tool.Schema)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Decode returns content with recognized tool-call objects removed, and the
// calls in the order they appeared.
func (TextToolCallDecoder) Decode(content string, tools []agent.ToolDefinition) (string, []models.ToolCall) {
	if len(tools) == 0 || !strings.Contains(content, "{") {
		return content, nil
	}
	known := make(map[string]bool, len(tools))
	for _, tool := range tools {
		known[tool.Name] = true
	}

	var (
		calls []models.ToolCall
		rest  strings.Builder
	)
	text := content
	for {
		start := strings.IndexByte(text, '{')
		if start < 0 {
			rest.WriteString(text)
			break
		}

		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var env textToolEnvelope
		if err := dec.Decode(&env); err != nil {
			rest.WriteString(text[:start+1])
			text = text[start+1:]
			continue
		}
		end := start + int(dec.InputOffset())

		found := decodeEnvelope(env, known)
		if len(found) == 0 {
			rest.WriteString(text[:end])
			text = text[end:]
			continue
		}
		calls = append(calls, found...)
		rest.WriteString(trimFenceOpen(text[:start]))
		text = trimFenceClose(text[end:])
	}

	return strings.TrimSpace(rest.String()), calls
}

func decodeEnvelope(env textToolEnvelope, known map[string]bool) []models.ToolCall {
	candidates := env.ToolCalls
	if len(candidates) == 0 {
		candidates = []textToolCall{env.textToolCall}
	}

	var calls []models.ToolCall
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = strings.TrimSpace(c.Tool)
		}
		if !known[name] {
			continue
		}
		args := c.Arguments
		if len(args) == 0 {
			args = c.Parameters
		}
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, models.ToolCall{
			ID:    "call_" + uuid.NewString(),
			Name:  name,
			Input: args,
		})
	}
	return calls
}

func trimFenceOpen(s string) string {
	trimmed := strings.TrimRight(s, " \t\r\n")
	for _, fence := range []string{"```json", "```"} {
		if strings.HasSuffix(trimmed, fence) {
			return strings.TrimSuffix(trimmed, fence)
		}
	}
	return s
}

func trimFenceClose(s string) string {
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if strings.HasPrefix(trimmed, "```") {
		return strings.TrimPrefix(trimmed, "```")
	}
	return s
}
