// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package plugin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id published for plugin.yaml manifests.
const SchemaID = "https://lumina-assist.dev/schemas/plugin.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jschema.Schema
	schemaErr      error
)

// GenerateSchema generates the JSON Schema for plugin manifests by
// reflecting over the Metadata struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Metadata{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Lumina Plugin Manifest"
	schema.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates raw manifest YAML against the manifest schema.
// This catches structural problems (wrong types, unknown enum values)
// before ParseManifest applies its semantic checks.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("manifest data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	sch, err := manifestSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := sch.Validate(toJSONTypes(yamlData)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// manifestSchema returns the compiled manifest schema, compiling once.
func manifestSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			schemaErr = err
			return
		}

		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("failed to parse schema JSON: %w", err)
			return
		}

		c := jschema.NewCompiler()
		if err := c.AddResource("plugin.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("plugin.schema.json")
	})
	return compiledSchema, schemaErr
}

// CompileParameterSchema builds a JSON Schema validator for an intent's
// declared parameter list. Dispatch uses it to reject malformed parameter
// maps before they reach the sandbox.
func CompileParameterSchema(intent *Intent) (*jschema.Schema, error) {
	props := make(map[string]any, len(intent.Parameters))
	var required []string
	for _, p := range intent.Parameters {
		props[p.Name] = map[string]any{"type": p.Type}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	c := jschema.NewCompiler()
	resource := "params/" + intent.ID + ".schema.json"
	if err := c.AddResource(resource, toJSONTypes(doc)); err != nil {
		return nil, fmt.Errorf("intent %s: failed to add parameter schema: %w", intent.ID, err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("intent %s: failed to compile parameter schema: %w", intent.ID, err)
	}
	return sch, nil
}

// NormalizeJSON converts arbitrary parsed data (YAML shapes, native Go
// ints) to the JSON value shapes the schema validator expects. Dispatch
// uses it on caller-built parameter maps.
func NormalizeJSON(v any) any {
	return toJSONTypes(v)
}

// toJSONTypes converts YAML-parsed data to JSON-compatible types so the
// schema validator sees the value shapes it expects.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = toJSONTypes(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = toJSONTypes(item)
		}
		return result
	case []string:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = item
		}
		return result
	case string, bool, nil, int, int64, float64:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// FormatSchemaError trims the wrapping prefix from a schema validation
// error for CLI display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), "schema validation failed: ")
}
