package expressions

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/biomapper/biomapper/pkg/schema"
)

// Scope holds the data available to ${...} references.
type Scope struct {
	Parameters map[string]any // strategy parameters after overrides
	Metadata   map[string]any // strategy metadata (name, run_id, ...)
}

// Interpolator resolves ${...} references in step params.
//
// Supported forms:
//
//	${parameters.KEY}   strategy parameter (dotted paths traverse nested maps)
//	${env.VAR}          environment variable
//	${metadata.KEY}     strategy metadata
//	${KEY}              parameters, then metadata, then environment
//	${REF:-default}     any of the above with a fallback literal
//
// A string consisting of exactly one reference keeps the referenced value's type.
// Resolution is single pass: a substituted value that itself contains ${ is
// rejected rather than re-scanned, so resolved output never carries a marker.
type Interpolator struct {
	lookupEnv func(string) (string, bool)
}

// NewInterpolator creates an Interpolator reading the process environment.
func NewInterpolator() *Interpolator {
	return &Interpolator{lookupEnv: os.LookupEnv}
}

// NewInterpolatorWithEnv creates an Interpolator with a custom environment lookup.
func NewInterpolatorWithEnv(lookup func(string) (string, bool)) *Interpolator {
	return &Interpolator{lookupEnv: lookup}
}

// ResolveParams walks params and resolves every string value. The input is not modified.
func (interp *Interpolator) ResolveParams(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := interp.resolveValue(params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (interp *Interpolator) resolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.ResolveString(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves all references in s.
func (interp *Interpolator) ResolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed ${ in %q", s)
		}
		end += start

		body := s[start:end]
		if strings.Contains(body, "${") {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"nested reference not allowed in %q", s)
		}

		val, err := interp.resolveReference(body, scope)
		if err != nil {
			return nil, err
		}

		// Whole-string reference keeps its type.
		if i+idx == 0 && end == len(s)-1 {
			if str, ok := val.(string); ok {
				if err := checkSubstituted(body, str); err != nil {
					return nil, err
				}
			}
			return val, nil
		}
		text := stringify(val)
		if err := checkSubstituted(body, text); err != nil {
			return nil, err
		}
		result.WriteString(text)
		i = end + 1
	}

	return result.String(), nil
}

func checkSubstituted(ref, value string) error {
	if !strings.Contains(value, "${") {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"value of ${%s} contains an unresolved ${ marker", strings.TrimSpace(ref)).
		WithDetails(map[string]any{"reference": strings.TrimSpace(ref)})
}

// resolveReference resolves the body of a single ${...} token.
func (interp *Interpolator) resolveReference(body string, scope *Scope) (any, error) {
	ref, def, hasDefault := strings.Cut(body, ":-")
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference ${}")
	}

	val, found, err := interp.lookup(ref, scope)
	if err != nil {
		return nil, err
	}
	if found {
		return val, nil
	}
	if hasDefault {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
		"unresolved variable ${%s} and no default given", ref).
		WithDetails(map[string]any{"reference": ref, "available_parameters": mapKeys(scope.params())})
}

func (interp *Interpolator) lookup(ref string, scope *Scope) (any, bool, error) {
	namespace, rest, dotted := strings.Cut(ref, ".")
	if dotted {
		switch namespace {
		case "parameters":
			return lookupPath(scope.params(), rest)
		case "metadata":
			return lookupPath(scope.metadata(), rest)
		case "env":
			v, ok := interp.lookupEnv(rest)
			return v, ok, nil
		}
	}

	// Bare reference: parameters > metadata > env.
	if v, ok, err := lookupPath(scope.params(), ref); ok || err != nil {
		return v, ok, err
	}
	if v, ok, err := lookupPath(scope.metadata(), ref); ok || err != nil {
		return v, ok, err
	}
	if v, ok := interp.lookupEnv(ref); ok {
		return v, true, nil
	}
	return nil, false, nil
}

// lookupPath tries a direct key first (keys may contain dots), then traverses.
func lookupPath(data map[string]any, path string) (any, bool, error) {
	if data == nil {
		return nil, false, nil
	}
	if v, ok := data[path]; ok {
		return v, true, nil
	}
	var current any = data
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false, schema.NewErrorf(schema.ErrCodeInterpolation, "empty segment in %q", path)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		current, ok = m[seg]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

func (s *Scope) params() map[string]any {
	if s == nil {
		return nil
	}
	return s.Parameters
}

func (s *Scope) metadata() map[string]any {
	if s == nil {
		return nil
	}
	return s.Metadata
}

// stringify renders a value embedded inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reference is a parsed ${...} occurrence.
type Reference struct {
	Ref        string
	HasDefault bool
}

// ExtractReferences lists every reference found in string values of v.
func ExtractReferences(v any) []Reference {
	var refs []Reference
	var walk func(any)
	walk = func(x any) {
		switch val := x.(type) {
		case string:
			s := val
			for {
				idx := strings.Index(s, "${")
				if idx == -1 {
					return
				}
				rest := s[idx+2:]
				end := strings.IndexByte(rest, '}')
				if end == -1 {
					return
				}
				ref, _, hasDefault := strings.Cut(rest[:end], ":-")
				refs = append(refs, Reference{Ref: strings.TrimSpace(ref), HasDefault: hasDefault})
				s = rest[end+1:]
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return refs
}
