package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		result := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return []string{arr}
	default:
		return nil
	}
}

// requireStrings checks that every named param is a non-empty string.
func requireStrings(actionType string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if stringParam(params, k, "") == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param '%s'", actionType, k)
		}
	}
	return nil
}

// inputDataset fetches a dataset the action depends on. A missing key is the
// action's own precondition failure.
func inputDataset(actionType string, ec *pipeline.ExecutionContext, key string) (*pipeline.Dataset, error) {
	ds, ok := ec.Dataset(key)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "%s: dataset %q not found in context", actionType, key).
			WithDetails(map[string]any{"dataset": key, "available": ec.DatasetKeys()})
	}
	return ds, nil
}

// cellString renders a cell value as the string used for joins and identifiers.
func cellString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// interrupted reports a cancelled or expired ctx as CANCELLED. Row loops call
// it so an action stops promptly once its step is abandoned.
func interrupted(ctx context.Context, actionType string) error {
	if err := ctx.Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s: %v", actionType, err).WithCause(err)
	}
	return nil
}
