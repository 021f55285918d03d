package toolconv

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/flowgate/internal/agent"
)

// ToAnthropicTools converts tool definitions to Anthropic tool params. Unlike
// the other formats a malformed schema is an error, because the Messages API
// rejects the whole request anyway.
func ToAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		node, raw, err := parseSchema(tool.Name, tool.Schema)
		if err != nil {
			return nil, err
		}

		input := anthropic.ToolInputSchemaParam{
			Properties: raw["properties"],
			Required:   node.Required,
		}
		for key, v := range raw {
			switch key {
			case "type", "properties", "required":
			default:
				if input.ExtraFields == nil {
					input.ExtraFields = make(map[string]any)
				}
				input.ExtraFields[key] = v
			}
		}

		param := anthropic.ToolUnionParamOfTool(input, tool.Name)
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
