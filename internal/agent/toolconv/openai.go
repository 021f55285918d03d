package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/flowgate/internal/agent"
)

// ToOpenAITools converts tool definitions to OpenAI function tools. The raw
// schema is passed through; Ollama's OpenAI-compatible endpoint uses the
// same shape.
func ToOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		_, raw := lenientSchema(tool.Name, tool.Schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  raw,
			},
		})
	}
	return out
}
