package config

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is validated against the merged config tree before strict
// decoding, so shape errors are reported with JSON-pointer locations.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "mode": {"type": "string", "enum": ["repo", "hub"]},
    "version": {"type": "integer"},
    "log_level": {"type": "string"},
    "global_state_root": {"type": "string"},
    "backend": {
      "type": "object",
      "properties": {
        "id": {"type": "string", "enum": ["codex", "opencode"]},
        "model": {"type": "string"},
        "sandbox": {"type": "string"},
        "full_auto": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "opencode": {
      "type": "object",
      "properties": {
        "server_scope": {"type": "string", "enum": ["workspace", "global"]}
      },
      "additionalProperties": false
    },
    "flow": {
      "type": "object",
      "properties": {
        "stop_after_runs": {"type": "integer", "minimum": 0},
        "max_turns_per_run": {"type": "integer", "minimum": 0},
        "turn_timeout_s": {"type": "integer", "minimum": 0},
        "run_timeout_s": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "prompt": {
      "type": "object",
      "properties": {
        "max_bytes": {"type": "integer", "minimum": 1},
        "prior_tail_lines": {"type": "integer", "minimum": 0},
        "sources": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "backoff": {
      "type": "object",
      "properties": {
        "initial_delay_ms": {"type": "integer", "minimum": 0},
        "backoff_factor": {"type": "number"},
        "max_delay_ms": {"type": "integer", "minimum": 0},
        "jitter": {"type": "boolean"},
        "max_attempts": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "destination": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "enum": ["local", "docker"]},
        "docker": {
          "type": "object",
          "properties": {
            "image": {"type": "string"},
            "container_name": {"type": "string"},
            "workdir": {"type": "string"},
            "profile": {"type": "string"},
            "env_passthrough": {"type": "array", "items": {"type": "string"}},
            "env": {"type": "object", "additionalProperties": {"type": "string"}},
            "mounts": {
              "type": "array",
              "items": {
                "type": "object",
                "properties": {
                  "source": {"type": "string"},
                  "target": {"type": "string"},
                  "read_only": {"type": "boolean"}
                },
                "required": ["source", "target"],
                "additionalProperties": false
              }
            }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "hub": {
      "type": "object",
      "properties": {
        "repos_root": {"type": "string"},
        "auto_init_missing": {"type": "boolean"},
        "max_parallel": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "required": ["mode", "version"],
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = c.Compile("config.schema.json")
	})
	return schemaCompiled, schemaErr
}

// validateSchema checks the merged config tree. The tree is round-tripped
// through JSON so the validator sees the value types it expects.
func validateSchema(tree map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return configErrorf("config is not JSON-representable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return configErrorf("config validation: %v", err)
	}
	return nil
}
