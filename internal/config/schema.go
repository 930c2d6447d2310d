package config

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON-schema bundle served by config.schema and used to
// validate documents before they are applied.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Switchboard gateway configuration",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "auth_mode": {"enum": ["token", "password", "trusted-proxy"]},
        "token": {"type": "string"},
        "password": {"type": "string"},
        "trusted_proxies": {"type": "array", "items": {"type": "string"}},
        "user_header": {"type": "string"},
        "required_headers": {"type": "array", "items": {"type": "string"}},
        "allow_users": {"type": "array", "items": {"type": "string"}},
        "allowed_origins": {"type": "array", "items": {"type": "string"}},
        "rate_limit_rpm": {"type": "integer", "minimum": -1},
        "max_body_bytes": {"type": "integer", "minimum": 0},
        "body_read_timeout_ms": {"type": "integer", "minimum": 0},
        "history_byte_budget": {"type": "integer", "minimum": 0}
      }
    },
    "agents": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "defaults": {"$ref": "#/definitions/agentDefaults"},
        "list": {
          "type": "object",
          "additionalProperties": {"$ref": "#/definitions/agentSpec"}
        }
      }
    },
    "channels": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "telegram": {"$ref": "#/definitions/channel"},
        "discord": {"$ref": "#/definitions/channel"},
        "webhook": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "targets": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["name", "path"],
                "additionalProperties": false,
                "properties": {
                  "name": {"type": "string"},
                  "path": {"type": "string", "pattern": "^/"},
                  "token": {"type": "string"}
                }
              }
            }
          }
        }
      }
    },
    "sessions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "store_dir": {"type": "string"},
        "backend": {"enum": ["file", "sqlite"]}
      }
    },
    "media": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allow_roots": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "max_bytes": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}}
      }
    },
    "approvals": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "file_path": {"type": "string"},
        "ttl_ms": {"type": "integer", "minimum": 0},
        "sweep_mins": {"type": "integer", "minimum": 0}
      }
    },
    "restart": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "delay_ms": {"type": "integer", "minimum": 0},
        "timeout_ms": {"type": "integer", "minimum": 0},
        "poll_ms": {"type": "integer", "minimum": 0, "maximum": 50},
        "sentinel_at": {"type": "string"}
      }
    },
    "cron": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "schedule", "prompt"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string"},
          "schedule": {"type": "string"},
          "agent_id": {"type": "string"},
          "prompt": {"type": "string"},
          "channel": {"type": "string"},
          "to": {"type": "string"},
          "disabled": {"type": "boolean"}
        }
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "endpoint": {"type": "string"},
        "protocol": {"enum": ["grpc", "http"]},
        "insecure": {"type": "boolean"},
        "service_name": {"type": "string"}
      }
    },
    "tailscale": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "hostname": {"type": "string"},
        "state_dir": {"type": "string"}
      }
    }
  },
  "definitions": {
    "queue": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"enum": ["collect", "followup", "steer", "steer+backlog", "interrupt"]},
        "debounce_ms": {"type": "integer", "minimum": 0},
        "cap": {"type": "integer", "minimum": 1},
        "drop": {"enum": ["old", "new", "summarize"]}
      }
    },
    "agentDefaults": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "command": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "run_timeout_ms": {"type": "integer", "minimum": 0},
        "queue": {"$ref": "#/definitions/queue"},
        "verbose_level": {"type": "integer", "minimum": 0, "maximum": 2},
        "model_aliases": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "agentSpec": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "displayName": {"type": "string"},
        "queue": {"$ref": "#/definitions/queue"},
        "default": {"type": "boolean"}
      }
    },
    "channel": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "token": {"type": "string"},
        "allow_from": {"type": "array", "items": {"type": "string"}},
        "dm_policy": {"enum": ["open", "allowlist", "disabled"]},
        "group_policy": {"enum": ["open", "allowlist", "disabled"]},
        "reply_to_mode": {"enum": ["off", "first", "all", "explicit-only"]}
      }
    }
  }
}`

// Issue is one schema validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate checks a raw config document against the schema. The document
// must already be plain JSON (JSON5 inputs are normalized by the caller).
func Validate(raw []byte) (bool, []Issue, error) {
	if len(raw) == 0 {
		return true, nil, nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(Schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return false, nil, fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	issues := make([]Issue, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, Issue{Path: e.Field(), Message: e.Description()})
	}
	return false, issues, nil
}

// NormalizeJSON5 converts a JSON5 document into plain JSON for hashing,
// schema validation, and merge-patching.
func NormalizeJSON5(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json5Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}
