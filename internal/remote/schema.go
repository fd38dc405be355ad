package remote

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	suggestionSchemaURL = "https://vibetap.dev/schema/suggestion-v1.json"
	envelopeSchemaURL   = "https://vibetap.dev/schema/generate-response-v1.json"
)

const suggestionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["filePath", "code", "description"],
  "properties": {
    "id": {"type": "string"},
    "filePath": {"type": "string", "minLength": 1},
    "sourceFile": {"type": "string"},
    "testRunner": {"type": "string"},
    "category": {"type": "string"},
    "priority": {"type": "string"},
    "description": {"type": "string"},
    "code": {"type": "string"},
    "patch": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risksAddressed": {"type": "array", "items": {"type": "string"}}
  }
}`

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "data": {
      "type": "object",
      "required": ["suggestions"],
      "properties": {
        "suggestions": {"type": "array", "items": {"$ref": "suggestion-v1.json"}},
        "summary": {"type": "string"},
        "modelUsed": {"type": "string"},
        "tokensUsed": {"type": "integer", "minimum": 0},
        "warning": {"type": ["string", "null"]}
      }
    },
    "error": {
      "type": ["object", "null"],
      "required": ["code"],
      "properties": {
        "code": {"type": "string"},
        "message": {"type": "string"},
        "retryAfter": {"type": ["integer", "null"]}
      }
    }
  }
}`

var (
	schemaOnce       sync.Once
	schemaErr        error
	compiledPayload  *jsonschema.Schema
	compiledEnvelope *jsonschema.Schema
)

func compileSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(suggestionSchemaURL, strings.NewReader(suggestionSchema)); err != nil {
			schemaErr = fmt.Errorf("add suggestion schema: %w", err)
			return
		}
		if err := compiler.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchema)); err != nil {
			schemaErr = fmt.Errorf("add response schema: %w", err)
			return
		}
		if compiledPayload, schemaErr = compiler.Compile(suggestionSchemaURL); schemaErr != nil {
			return
		}
		compiledEnvelope, schemaErr = compiler.Compile(envelopeSchemaURL)
	})
	return schemaErr
}

// validateEnvelope checks a generate response body before it is decoded.
func validateEnvelope(body []byte) error {
	return validate(body, func() *jsonschema.Schema { return compiledEnvelope })
}

// validatePayload checks a single streamed suggestion.
func validatePayload(raw []byte) error {
	return validate(raw, func() *jsonschema.Schema { return compiledPayload })
}

func validate(raw []byte, schema func() *jsonschema.Schema) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := schema().Validate(instance); err != nil {
		return err
	}
	return nil
}
