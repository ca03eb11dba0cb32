package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type outputSchemas struct {
	once    sync.Once
	initErr error
	turn    *jsonschema.Schema
	summary *jsonschema.Schema
}

var schemas outputSchemas

func initSchemas() error {
	schemas.once.Do(func() {
		turn, err := jsonschema.CompileString("turn_output", turnOutputSchema)
		if err != nil {
			schemas.initErr = fmt.Errorf("compile turn schema: %w", err)
			return
		}
		summary, err := jsonschema.CompileString("summary_output", summaryOutputSchema)
		if err != nil {
			schemas.initErr = fmt.Errorf("compile summary schema: %w", err)
			return
		}
		schemas.turn = turn
		schemas.summary = summary
	})
	return schemas.initErr
}

// validateOutput checks raw model output against schema and decodes it into
// dst.
func validateOutput(schema func() *jsonschema.Schema, raw string, dst any) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return err
	}
	if err := schema().Validate(payload); err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

func turnSchema() *jsonschema.Schema    { return schemas.turn }
func summarySchema() *jsonschema.Schema { return schemas.summary }

const nullableString = `{ "type": ["string", "null"] }`

var turnOutputSchema = `{
  "type": "object",
  "required": ["assistant_say", "next_state", "done"],
  "properties": {
    "assistant_say": { "type": "string", "minLength": 1 },
    "next_state": { "type": "string", "minLength": 1 },
    "done": { "type": "boolean" },
    "updates": {
      "type": ["object", "null"],
      "properties": {
        "full_name": ` + nullableString + `,
        "callback_number": ` + nullableString + `,
        "email": ` + nullableString + `,
        "reason_for_call": ` + nullableString + `,
        "incident_date_or_timeframe": ` + nullableString + `,
        "incident_location": ` + nullableString + `,
        "injury_description": ` + nullableString + `,
        "medical_treatment_received": ` + nullableString + `,
        "insurance_involved": ` + nullableString + `,
        "urgency_level": { "enum": ["normal", "high", "unknown", null] },
        "emergency_redirected": { "type": ["boolean", "null"] }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

var summaryOutputSchema = `{
  "type": "object",
  "required": ["title", "summary_bullets"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "summary_bullets": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string" }
    },
    "key_facts": {
      "type": ["object", "null"],
      "properties": {
        "incident_date": ` + nullableString + `,
        "location": ` + nullableString + `,
        "injuries": ` + nullableString + `,
        "treatment": ` + nullableString + `,
        "insurance": ` + nullableString + `
      }
    },
    "action_items": {
      "type": ["array", "null"],
      "items": { "type": "string" }
    },
    "urgency_level": { "type": ["string", "null"] },
    "follow_up_recommendation": { "type": ["string", "null"] }
  },
  "additionalProperties": true
}`
