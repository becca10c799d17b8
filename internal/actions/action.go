package actions

import (
	"context"
	"encoding/json"

	"github.com/biomapper/biomapper/internal/pipeline"
)

// Action is one pluggable operation of a strategy step. Implementations read
// and write named entries of the shared ExecutionContext and must not leave a
// partially written output key behind when they fail.
type Action interface {
	Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error)
}

// Validator is implemented by actions that check their params beyond the
// descriptor's JSON schema.
type Validator interface {
	Validate(params map[string]any) error
}

// Factory constructs a fresh Action instance for a single step execution.
type Factory func() Action

// Descriptor registers an action type.
type Descriptor struct {
	Type        string
	Description string
	ParamSchema json.RawMessage
	Factory     Factory
}

// Result is what an action reports back to the engine.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Info is a summary of a registered action for listing.
type Info struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`
}

// Succeeded builds a successful Result.
func Succeeded(message string, data map[string]any) *Result {
	return &Result{Success: true, Message: message, Data: data}
}

// Failed builds a failed Result.
func Failed(message string) *Result {
	return &Result{Success: false, Message: message}
}
