package decode

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const updateSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "updated_at": { "type": "integer" },
    "playbook_run_updated_at": { "type": "integer" },
    "changed_fields": {
      "type": ["object", "null"],
      "properties": {
        "checklists": {
          "type": ["array", "null"],
          "items": { "$ref": "#/definitions/checklistUpdate" }
        },
        "timeline_events": {
          "type": ["array", "null"],
          "items": { "$ref": "#/definitions/entity" }
        },
        "status_posts": {
          "type": ["array", "null"],
          "items": { "$ref": "#/definitions/entity" }
        }
      }
    },
    "checklist_deletes": { "$ref": "#/definitions/ids" },
    "timeline_event_deletes": { "$ref": "#/definitions/ids" },
    "status_post_deletes": { "$ref": "#/definitions/ids" }
  },
  "definitions": {
    "ids": {
      "type": ["array", "null"],
      "items": { "type": "string" }
    },
    "entity": {
      "type": "object",
      "required": ["id"],
      "properties": { "id": { "type": "string", "minLength": 1 } }
    },
    "checklistUpdate": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "fields": { "type": ["object", "null"] },
        "item_updates": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "fields": { "type": ["object", "null"] }
            }
          }
        },
        "item_inserts": {
          "type": ["array", "null"],
          "items": { "$ref": "#/definitions/entity" }
        },
        "item_deletes": { "$ref": "#/definitions/ids" },
        "items_order": { "$ref": "#/definitions/ids" }
      }
    }
  }
}`

var updateSchemaLoader = gojsonschema.NewStringLoader(updateSchemaJSON)

// validateUpdate checks the shape of an update payload before typed
// decoding so that shape errors name the offending field.
func validateUpdate(raw []byte) error {
	result, err := gojsonschema.Validate(updateSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &DecodeError{Reason: "invalid json", Err: err}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return &DecodeError{Reason: "schema", Err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
}
