package definition

// documentSchema is the JSON schema every raw definition must satisfy before it
// is decoded. Structural rules that need the whole graph live in validate.go.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["key", "activities"],
  "properties": {
    "key": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "activities": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/activity"}},
    "transitions": {"type": "array", "items": {"$ref": "#/definitions/transition"}}
  },
  "definitions": {
    "activity": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "type": {"enum": ["start", "task", "wait", "timer", "parallel", "subprocess", "end", "boundary", "event"]},
        "asyncBefore": {"type": "boolean"},
        "asyncAfter": {"type": "boolean"},
        "exclusive": {"type": "boolean"},
        "attachedTo": {"type": "string"},
        "signal": {"type": "string"},
        "timer": {"type": "string"},
        "activities": {"type": "array", "items": {"$ref": "#/definitions/activity"}},
        "transitions": {"type": "array", "items": {"$ref": "#/definitions/transition"}}
      }
    },
    "transition": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "id": {"type": "string"},
        "from": {"type": "string", "minLength": 1},
        "to": {"type": "string", "minLength": 1}
      }
    }
  }
}`
