package config

import (
	"encoding/json"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const durationDef = "Duration"

// durationSchema describes fields decoded by yaml.v3 into time.Duration. It
// lives once under $defs and fields reference it: the reflector overwrites
// the description of an inline field schema with the field's tag.
func durationSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^0$|^(-?[0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 30s or 1m30s",
	}
}

// JSONSchema returns the JSON Schema of a config file, keyed by yaml field
// names. It also admits the $include directive, which LoadRaw strips before
// decoding.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeFor[time.Duration]() {
				return &jsonschema.Schema{Ref: "#/$defs/" + durationDef}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schema.Title = "flowgate configuration"
	schema.Comments = "config file layout version " + strconv.Itoa(CurrentVersion)
	if schema.Definitions == nil {
		schema.Definitions = jsonschema.Definitions{}
	}
	schema.Definitions[durationDef] = durationSchema()

	if root := schema.Definitions["Config"]; root != nil && root.Properties != nil {
		root.Properties.Set(includeKey, &jsonschema.Schema{
			Description: "File or list of files merged beneath this one",
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		})
	}
	return json.MarshalIndent(schema, "", "  ")
})
