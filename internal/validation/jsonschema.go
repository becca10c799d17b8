package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/biomapper/biomapper/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// strategySchemaJSON is the JSON Schema for strategy documents.
const strategySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://biomapper.dev/schemas/strategy.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "parameters": { "type": "object" },
    "metadata": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "action"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "action": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "type": "string", "minLength": 1 },
            "params": { "type": "object" }
          },
          "additionalProperties": false
        },
        "is_required": { "type": "boolean" },
        "condition": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

const strategySchemaURL = "https://biomapper.dev/schemas/strategy.json"

// JSONSchemaValidator validates strategy documents and action params.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	strategySchema *jsonschema.Schema

	// mu guards the compiled param schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the strategy schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(strategySchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal strategy schema: %w", err)
	}
	if err := c.AddResource(strategySchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add strategy schema resource: %w", err)
	}
	compiled, err := c.Compile(strategySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile strategy schema: %w", err)
	}

	return &JSONSchemaValidator{
		strategySchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded strategy document (map form, as read
// from YAML or JSON) against the strategy schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "strategy document is not JSON-compatible").WithCause(err)
	}
	if err := v.strategySchema.Validate(val); err != nil {
		return toSchemaError(schema.ErrCodeConfiguration, err)
	}
	return nil
}

// ValidateParams validates action params against a JSON Schema.
// The compiled schema is cached by its text.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid param schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "params are not JSON-compatible").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(schema.ErrCodeValidation, err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("biomapper://param-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips through encoding/json so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSchemaError(code string, err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(code, verr.Error())
	case 1:
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(code, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
