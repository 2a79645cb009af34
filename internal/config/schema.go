package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema is the structural contract for the configuration file.
// Semantic rules (duplicates, contradictory delays) live in validate().
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "run_frequency": {"type": "string", "minLength": 1},
    "state_dsn": {"type": "string"},
    "listen_addr": {"type": "string"},
    "api_token_ref": {"type": "string"},
    "removal_debounce_cycles": {"type": "integer", "minimum": 1},
    "max_source_concurrency": {"type": "integer", "minimum": 1},
    "source_timeout": {"type": "string", "minLength": 1},
    "retry_max_attempts": {"type": "integer", "minimum": 1},
    "retry_base_delay": {"type": "string", "minLength": 1},
    "retry_max_delay": {"type": "string", "minLength": 1},
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["platform_type", "class_id", "base_url"],
        "properties": {
          "platform_type": {"type": "string", "minLength": 1},
          "class_id": {"type": "string", "minLength": 1},
          "base_url": {"type": "string", "minLength": 1},
          "credentials_ref": {"type": "string"},
          "enabled": {"type": "boolean"}
        }
      }
    },
    "sinks": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["sink_type", "base_url"],
        "properties": {
          "sink_type": {"type": "string", "minLength": 1},
          "sink_id": {"type": "string"},
          "base_url": {"type": "string", "minLength": 1},
          "credentials_ref": {"type": "string"},
          "enabled": {"type": "boolean"}
        }
      }
    }
  },
  "required": ["sources"]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

func validateSchema(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	var decoded any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// Round-trip through JSON so numbers and keys match what the schema
	// validator expects.
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(normalized)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
