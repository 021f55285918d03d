package policies

import (
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const flowConfigSchemaURL = "https://flowgate.dev/schemas/flow-config.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// Schema returns the JSON Schema of FlowConfig, reflected from the Go type.
func Schema() ([]byte, error) {
	reflector := &invopop.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&FlowConfig{})
	schema.ID = flowConfigSchemaURL
	schema.Title = "flowgate flow config"
	return json.MarshalIndent(schema, "", "  ")
}

func flowConfigSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := Schema()
		if err != nil {
			compileErr = fmt.Errorf("reflect flow config schema: %w", err)
			return
		}
		compiledSchema, compileErr = jsonschema.CompileString(flowConfigSchemaURL, string(raw))
	})
	return compiledSchema, compileErr
}

func validateFlowConfig(obj map[string]any) error {
	schema, err := flowConfigSchema()
	if err != nil {
		return err
	}
	return schema.Validate(obj)
}
