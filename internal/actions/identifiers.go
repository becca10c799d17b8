package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/biomapper/biomapper/internal/metamapping"
	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// IdentifierResolver maps identifier sets between ontology types.
// Satisfied by *metamapping.Engine.
type IdentifierResolver interface {
	ResolveBatch(ctx context.Context, ids []string, sourceType, targetType string) ([]*metamapping.Resolution, error)
}

// IdentifierActions returns the descriptors of the identifier actions.
func IdentifierActions(deps Deps) []Descriptor {
	return []Descriptor{
		{
			Type:        "identifiers.extract",
			Description: "Collect the distinct identifiers of a dataset column as the current identifier set",
			ParamSchema: json.RawMessage(extractSchema),
			Factory:     func() Action { return &extractAction{} },
		},
		{
			Type:        "identifiers.resolve",
			Description: "Map identifiers to a target ontology type through the metamapping engine",
			ParamSchema: json.RawMessage(resolveSchema),
			Factory:     func() Action { return &resolveAction{resolver: deps.Resolver} },
		},
	}
}

const extractSchema = `{
  "type": "object",
  "properties": {
    "input_key": {"type": "string", "minLength": 1},
    "column": {"type": "string", "minLength": 1},
    "split": {"type": "string"}
  },
  "required": ["input_key", "column"]
}`

const resolveSchema = `{
  "type": "object",
  "properties": {
    "source_type": {"type": "string", "minLength": 1},
    "target_type": {"type": "string", "minLength": 1},
    "output_key": {"type": "string", "minLength": 1},
    "input_key": {"type": "string"},
    "column": {"type": "string"},
    "min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "all_targets": {"type": "boolean"},
    "update_identifiers": {"type": "boolean"}
  },
  "required": ["source_type", "target_type", "output_key"]
}`

// --- identifiers.extract ---

type extractAction struct{}

func (a *extractAction) Validate(params map[string]any) error {
	return requireStrings("identifiers.extract", params, "input_key", "column")
}

func (a *extractAction) Execute(_ context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	ds, err := inputDataset("identifiers.extract", ec, stringParam(params, "input_key", ""))
	if err != nil {
		return nil, err
	}
	column := stringParam(params, "column", "")
	if !ds.HasColumn(column) {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "identifiers.extract: dataset has no column %q", column).
			WithDetails(map[string]any{"columns": ds.Columns})
	}

	ids := distinctIdentifiers(ds.Column(column), stringParam(params, "split", ""))
	ec.SetIdentifiers(ids)
	ec.SetStatistic("identifiers_extracted", len(ids))

	return Succeeded(fmt.Sprintf("extracted %d identifiers from %q", len(ids), column), map[string]any{
		"count": len(ids),
	}), nil
}

// distinctIdentifiers trims, splits and dedupes cell values, keeping
// first-seen order. Empty values are dropped.
func distinctIdentifiers(values []any, sep string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, v := range values {
		s := cellString(v)
		if sep == "" {
			add(s)
			continue
		}
		for _, part := range strings.Split(s, sep) {
			add(part)
		}
	}
	return out
}

// --- identifiers.resolve ---

// resolvedColumns is the layout of the dataset written by identifiers.resolve.
// The error column carries resource failures met while resolving the row's
// source id, joined with "; ".
var resolvedColumns = []string{"source_id", "target_id", "confidence", "path", "resources", "resolved", "error"}

type resolveAction struct {
	resolver IdentifierResolver
}

func (a *resolveAction) Validate(params map[string]any) error {
	if a.resolver == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "identifiers.resolve: no identifier resolver configured")
	}
	if err := requireStrings("identifiers.resolve", params, "source_type", "target_type", "output_key"); err != nil {
		return err
	}
	if stringParam(params, "input_key", "") != "" && stringParam(params, "column", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "identifiers.resolve: 'column' is required with 'input_key'")
	}
	return nil
}

func (a *resolveAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	sourceType := stringParam(params, "source_type", "")
	targetType := stringParam(params, "target_type", "")
	outputKey := stringParam(params, "output_key", "")
	minConfidence := floatParam(params, "min_confidence", 0)
	allTargets := boolParam(params, "all_targets", false)

	var ids []string
	if inputKey := stringParam(params, "input_key", ""); inputKey != "" {
		ds, err := inputDataset("identifiers.resolve", ec, inputKey)
		if err != nil {
			return nil, err
		}
		column := stringParam(params, "column", "")
		if !ds.HasColumn(column) {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "identifiers.resolve: dataset %q has no column %q", inputKey, column)
		}
		ids = distinctIdentifiers(ds.Column(column), "")
	} else {
		ids = ec.Identifiers()
	}

	results, err := a.resolver.ResolveBatch(ctx, ids, sourceType, targetType)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "identifiers.resolve: %v", err).WithCause(err)
	}

	var (
		rows       []map[string]any
		resolved   []string
		unresolved int
		failures   []string
	)
	for _, res := range results {
		failures = append(failures, res.Errors...)
		errText := strings.Join(res.Errors, "; ")
		targets := acceptedTargets(res, minConfidence)
		if len(targets) == 0 {
			unresolved++
			rows = append(rows, map[string]any{
				"source_id":  res.SourceID,
				"target_id":  "",
				"confidence": 0.0,
				"path":       strings.Join(res.Path, ">"),
				"resources":  "",
				"resolved":   false,
				"error":      errText,
			})
			continue
		}
		if !allTargets {
			targets = targets[:1]
		}
		for _, t := range targets {
			resolved = append(resolved, t.ID)
			rows = append(rows, map[string]any{
				"source_id":  res.SourceID,
				"target_id":  t.ID,
				"confidence": t.Confidence,
				"path":       strings.Join(res.Path, ">"),
				"resources":  hopResources(t.Hops),
				"resolved":   true,
				"error":      errText,
			})
		}
	}

	if len(ids) > 0 && unresolved == len(ids) && len(failures) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution,
			"identifiers.resolve: no identifier could be mapped from %s to %s: %s", sourceType, targetType, failures[0]).
			WithDetails(map[string]any{"errors": len(failures)})
	}

	ec.SetDataset(outputKey, pipeline.NewDataset(append([]string(nil), resolvedColumns...), rows))
	mapped := len(ids) - unresolved
	ec.SetStatistic(outputKey+"_total", len(ids))
	ec.SetStatistic(outputKey+"_resolved", mapped)
	ec.SetStatistic(outputKey+"_unresolved", unresolved)
	ec.SetStatistic(outputKey+"_errors", len(failures))
	if len(ids) > 0 {
		ec.SetStatistic(outputKey+"_resolution_rate", float64(mapped)/float64(len(ids)))
	}
	if boolParam(params, "update_identifiers", false) {
		ec.SetIdentifiers(distinctIdentifiers(toAny(resolved), ""))
	}

	data := map[string]any{
		"total":      len(ids),
		"resolved":   mapped,
		"unresolved": unresolved,
	}
	msg := fmt.Sprintf("resolved %d of %d identifiers from %s to %s", mapped, len(ids), sourceType, targetType)
	if len(failures) > 0 {
		data["errors"] = failures
		msg += fmt.Sprintf(" (%d resource errors)", len(failures))
	}
	return Succeeded(msg, data), nil
}

// acceptedTargets returns the targets at or above minConfidence, best first.
func acceptedTargets(res *metamapping.Resolution, minConfidence float64) []metamapping.Target {
	if res == nil || !res.Resolved {
		return nil
	}
	var out []metamapping.Target
	for _, t := range res.Targets {
		if t.Confidence >= minConfidence {
			out = append(out, t)
		}
	}
	return out
}

func hopResources(hops []metamapping.Hop) string {
	names := make([]string, len(hops))
	for i, h := range hops {
		names[i] = h.Resource
	}
	return strings.Join(names, ">")
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
