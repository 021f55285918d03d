package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/flowgate/internal/agent"
)

// ToBedrockTools builds the Converse tool configuration, or nil when there
// are no tools.
func ToBedrockTools(tools []agent.ToolDefinition) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		_, raw := lenientSchema(tool.Name, tool.Schema)
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(raw)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: specs}
}
