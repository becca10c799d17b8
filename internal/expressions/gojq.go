package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/biomapper/biomapper/pkg/schema"
	"github.com/itchyny/gojq"
)

// RowTransformer reshapes dataset rows with jq programs. A program may emit
// any number of values per input row: an object becomes one output row, an
// array of objects becomes one row per element and null drops the row.
// Compiled programs are cached and safe for concurrent use.
type RowTransformer struct {
	mu       sync.RWMutex
	programs map[string]*gojq.Code
}

// NewRowTransformer creates an empty RowTransformer.
func NewRowTransformer() *RowTransformer {
	return &RowTransformer{programs: make(map[string]*gojq.Code)}
}

// Compile checks and caches program. Errors are CONFIGURATION_ERROR.
func (t *RowTransformer) Compile(program string) error {
	_, err := t.compiled(program)
	return err
}

// TransformRow runs program against row and returns the rows it emits.
func (t *RowTransformer) TransformRow(ctx context.Context, program string, row map[string]any) ([]map[string]any, error) {
	code, err := t.compiled(program)
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	iter := code.RunWithContext(ctx, jqValue(row))
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "jq program %q: %v", program, err).
				WithCause(err)
		}
		switch val := v.(type) {
		case nil:
		case map[string]any:
			out = append(out, val)
		case []any:
			for _, item := range val {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, emitted(program, item)
				}
				out = append(out, m)
			}
		default:
			return nil, emitted(program, v)
		}
	}
}

func emitted(program string, v any) error {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "jq program %q produced %T, want object", program, v).
		WithDetails(map[string]any{"value": fmt.Sprint(v)})
}

func (t *RowTransformer) compiled(program string) (*gojq.Code, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty jq program")
	}
	t.mu.RLock()
	code, ok := t.programs[program]
	t.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "jq parse error in %q: %v", program, err).
			WithCause(err)
	}
	// No environment: $ENV and env are empty inside programs.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "jq compile error in %q: %v", program, err).
			WithCause(err)
	}

	t.mu.Lock()
	t.programs[program] = code
	t.mu.Unlock()
	return code, nil
}

// jqValue converts CSV-loaded and action-produced values into the types gojq
// accepts: numbers become float64 and nested maps and slices are copied.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
