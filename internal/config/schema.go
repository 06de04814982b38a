package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema reflects the Config struct into a JSON Schema document, for
// editor completion and config validation tooling. Field names follow
// the yaml tags, matching what Load actually decodes.
func JSONSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{FieldNameTag: "yaml", ExpandedStruct: true}
	return json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
}
