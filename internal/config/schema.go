package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const schemaTitle = "QIOS back office configuration"

// Schema describes the config file layout. TOML and YAML files share the
// same keys.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		FieldNameTag:               "toml",
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(fileConfig{})
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	s.Title = schemaTitle
	return s
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
