//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// machineSchema is the stable machine input JSON schema.
const machineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "title": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["task", "state", "init", "context", "style", ""]},
          "parent": {"type": "string"},
          "attributes": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string"},
                "type": {"type": "string"},
                "value": {"type": "string"}
              }
            }
          },
          "annotations": {"$ref": "#/$defs/annotations"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "label": {"type": "string"},
          "arrowType": {"type": "string"},
          "annotations": {"$ref": "#/$defs/annotations"}
        }
      }
    }
  },
  "$defs": {
    "annotations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "value": {"type": "string"},
          "qualifiedValue": {"type": "string"},
          "attributes": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(machineSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal machine schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("machine.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add machine schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("machine.schema.json")
	})
	return compiledSchema, schemaErr
}

// validateSchema validates raw machine JSON against the machine schema.
func validateSchema(data []byte) error {
	sch, err := compiled()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return graphErrorf("malformed machine JSON: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return graphErrorf("machine JSON does not match schema: %v", err)
	}
	return nil
}
