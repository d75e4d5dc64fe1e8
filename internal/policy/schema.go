package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for warden.yaml.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "warden.yaml Configuration",
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
    "price": {
      "type": "object",
      "required": ["input"],
      "properties": {
        "input": {"type": "number", "minimum": 0},
        "output": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false
    },
    "stringList": {"type": "array", "items": {"type": "string"}},
    "toolsByAgent": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    }
  },
  "properties": {
    "version": {"type": "string", "enum": ["1"]},
    "budgets": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "agent_tokens": {"type": "integer", "minimum": 0},
        "global_tokens": {"type": "integer", "minimum": 0},
        "hourly": {"type": "number", "minimum": 0},
        "daily": {"type": "number", "minimum": 0},
        "monthly": {"type": "number", "minimum": 0},
        "high_cost_threshold": {"type": "number", "minimum": 0}
      }
    },
    "rate_limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "window": {"$ref": "#/definitions/duration"},
        "default": {"type": "integer", "minimum": 1},
        "per_tool": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 1}},
        "global_per_second": {"type": "number", "minimum": 0},
        "global_burst": {"type": "integer", "minimum": 0}
      }
    },
    "security": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "sensitive_paths": {"$ref": "#/definitions/stringList"},
        "dangerous_commands": {"$ref": "#/definitions/stringList"},
        "credential_keys": {"$ref": "#/definitions/stringList"},
        "max_write_bytes": {"type": "integer", "minimum": 1},
        "command_timeout": {"$ref": "#/definitions/duration"},
        "allow_private_urls": {"type": "boolean"}
      }
    },
    "tool_access": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allowed_tools": {"$ref": "#/definitions/toolsByAgent"},
        "forbidden_tools": {"$ref": "#/definitions/toolsByAgent"},
        "forbidden_patterns": {"$ref": "#/definitions/stringList"}
      }
    },
    "checkpoints": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_checkpoints": {"type": "integer", "minimum": 1},
        "interval": {"$ref": "#/definitions/duration"},
        "compress_threshold": {"type": "integer", "minimum": 0},
        "critical_phases": {"$ref": "#/definitions/stringList"},
        "critical_tools": {"$ref": "#/definitions/stringList"}
      }
    },
    "cache": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "disabled": {"type": "boolean"},
        "ttl": {"$ref": "#/definitions/duration"},
        "tools": {"$ref": "#/definitions/stringList"}
      }
    },
    "watchdog": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "interval": {"$ref": "#/definitions/duration"},
        "warning_mb": {"type": "number", "exclusiveMinimum": 0},
        "critical_mb": {"type": "number", "exclusiveMinimum": 0},
        "max_mb": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "prices": {"type": "object", "additionalProperties": {"$ref": "#/definitions/price"}},
    "tiers": {"type": "object", "additionalProperties": {"type": "string", "minLength": 1}},
    "hooks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "event"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "event": {"type": "string"},
          "enabled": {"type": "boolean"},
          "filter": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "agents": {"$ref": "#/definitions/stringList"},
              "tools": {"$ref": "#/definitions/stringList"},
              "conditions": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["field", "operator"],
                  "properties": {
                    "field": {"type": "string", "minLength": 1},
                    "operator": {"type": "string", "enum": ["equals", "not_equals", "contains", "greater_than", "less_than"]},
                    "value": {}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

// ValidateSchema validates YAML policy bytes against the JSON schema.
// The YAML is first converted to JSON because gojsonschema operates on JSON.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaV1),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("%w: schema validation errors:\n%s", ErrInvalidPolicy, b.String())
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
