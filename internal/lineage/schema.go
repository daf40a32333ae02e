package lineage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaURL = "lineage-event.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "kind", "version", "timestamp", "source", "payload"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "kind": {"enum": ["vertex-upsert", "edge-upsert", "neighbour-sync", "classification-add", "classification-remove", "delete"]},
    "version": {"type": "integer", "minimum": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "payload": {"type": "object"}
  },
  "allOf": [
    {"if": {"properties": {"kind": {"const": "vertex-upsert"}}}, "then": {"properties": {"payload": {"$ref": "#/$defs/vertex"}}}},
    {"if": {"properties": {"kind": {"const": "edge-upsert"}}}, "then": {"properties": {"payload": {"$ref": "#/$defs/edge"}}}},
    {"if": {"properties": {"kind": {"const": "neighbour-sync"}}}, "then": {"properties": {"payload": {"$ref": "#/$defs/neighbours"}}}},
    {"if": {"properties": {"kind": {"enum": ["classification-add", "classification-remove"]}}}, "then": {"properties": {"payload": {"$ref": "#/$defs/classification"}}}},
    {"if": {"properties": {"kind": {"const": "delete"}}}, "then": {"properties": {"payload": {"$ref": "#/$defs/delete"}}}}
  ],
  "$defs": {
    "properties": {"type": "object", "additionalProperties": {"type": "string"}},
    "guid": {"type": "string", "minLength": 1},
    "vertex": {
      "type": "object",
      "required": ["typeName"],
      "properties": {
        "typeName": {"type": "string", "minLength": 1},
        "properties": {"$ref": "#/$defs/properties"}
      }
    },
    "edge": {
      "type": "object",
      "required": ["typeName", "from", "to"],
      "properties": {
        "typeName": {"type": "string", "minLength": 1},
        "from": {"$ref": "#/$defs/guid"},
        "to": {"$ref": "#/$defs/guid"},
        "fromType": {"type": "string"},
        "toType": {"type": "string"},
        "properties": {"$ref": "#/$defs/properties"}
      }
    },
    "neighbours": {
      "type": "object",
      "required": ["edges"],
      "properties": {
        "vertex": {"$ref": "#/$defs/guid"},
        "edges": {"type": "array", "items": {"$ref": "#/$defs/guid"}},
        "assertionVersion": {"type": "integer", "minimum": 1}
      }
    },
    "classification": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "vertex": {"$ref": "#/$defs/guid"},
        "vertexType": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "properties": {"$ref": "#/$defs/properties"}
      }
    },
    "delete": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": {"enum": ["vertex", "edge"]}
      }
    }
  }
}`

// Validator checks raw feed events against the event JSON schema before they
// are decoded.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports schema violations wrapped in ErrMalformed.
func (v *Validator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Parse validates raw and decodes it into a Change.
func (v *Validator) Parse(raw []byte) (Change, error) {
	if err := v.Validate(raw); err != nil {
		return Change{}, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decode(ev)
}

// PartialEvent extracts whatever envelope fields can be read from a raw
// event that failed validation, for poison reporting.
func PartialEvent(raw []byte) Event {
	var probe struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Version int64  `json:"version"`
		Source  string `json:"source"`
	}
	_ = json.Unmarshal(raw, &probe)
	return Event{ID: probe.ID, Kind: Kind(probe.Kind), Version: probe.Version, Source: probe.Source}
}
