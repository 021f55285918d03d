package toolconv

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/flowgate/internal/agent"
)

// ToGeminiTools converts tool definitions to a single Gemini tool holding one
// function declaration per definition.
func ToGeminiTools(tools []agent.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		node, _ := lenientSchema(tool.Name, tool.Schema)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  node.gemini(),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// gemini maps the node onto genai's OpenAPI-style schema. Gemini enums are
// strings only, so other enum values are formatted.
func (n *schemaNode) gemini() *genai.Schema {
	if n == nil {
		return nil
	}
	s := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(n.Type.Name)),
		Description: n.Description,
		Format:      n.Format,
		Required:    n.Required,
		Minimum:     n.Minimum,
		Maximum:     n.Maximum,
		Items:       n.Items.gemini(),
	}
	if n.Type.Nullable {
		s.Nullable = genai.Ptr(true)
	}
	for _, v := range n.Enum {
		if str, ok := v.(string); ok {
			s.Enum = append(s.Enum, str)
		} else {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if len(n.Properties) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(n.Properties))
		for name, prop := range n.Properties {
			s.Properties[name] = prop.gemini()
		}
	}
	return s
}
