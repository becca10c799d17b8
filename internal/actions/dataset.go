package actions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biomapper/biomapper/internal/expressions"
	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// DatasetActions returns the descriptors of the tabular dataset actions.
func DatasetActions(deps Deps) []Descriptor {
	return []Descriptor{
		{
			Type:        "dataset.load_csv",
			Description: "Load a delimited text file into a named dataset",
			ParamSchema: json.RawMessage(loadCSVSchema),
			Factory:     func() Action { return &loadCSVAction{} },
		},
		{
			Type:        "dataset.merge",
			Description: "Join two datasets on key columns",
			ParamSchema: json.RawMessage(mergeSchema),
			Factory:     func() Action { return &mergeAction{} },
		},
		{
			Type:        "dataset.filter",
			Description: "Keep the rows matching an expr-lang predicate",
			ParamSchema: json.RawMessage(filterSchema),
			Factory:     func() Action { return &filterAction{engine: deps.Filter} },
		},
		{
			Type:        "dataset.transform",
			Description: "Reshape every row with a jq program",
			ParamSchema: json.RawMessage(transformSchema),
			Factory:     func() Action { return &transformAction{engine: deps.Transform} },
		},
		{
			Type:        "dataset.export",
			Description: "Write a dataset to a CSV or JSON file",
			ParamSchema: json.RawMessage(exportSchema),
			Factory:     func() Action { return &exportAction{defaultDir: deps.OutputDir} },
		},
	}
}

// --- JSON Schemas ---

const loadCSVSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "output_key": {"type": "string", "minLength": 1},
    "delimiter": {"type": "string", "minLength": 1, "maxLength": 1},
    "columns": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["path", "output_key"]
}`

const mergeSchema = `{
  "type": "object",
  "properties": {
    "left_key": {"type": "string", "minLength": 1},
    "right_key": {"type": "string", "minLength": 1},
    "output_key": {"type": "string", "minLength": 1},
    "on": {"type": "string"},
    "left_on": {"type": "string"},
    "right_on": {"type": "string"},
    "how": {"type": "string", "enum": ["inner", "left"]}
  },
  "required": ["left_key", "right_key", "output_key"]
}`

const filterSchema = `{
  "type": "object",
  "properties": {
    "input_key": {"type": "string", "minLength": 1},
    "output_key": {"type": "string", "minLength": 1},
    "expression": {"type": "string", "minLength": 1}
  },
  "required": ["input_key", "output_key", "expression"]
}`

const transformSchema = `{
  "type": "object",
  "properties": {
    "input_key": {"type": "string", "minLength": 1},
    "output_key": {"type": "string", "minLength": 1},
    "program": {"type": "string", "minLength": 1}
  },
  "required": ["input_key", "output_key", "program"]
}`

const exportSchema = `{
  "type": "object",
  "properties": {
    "input_key": {"type": "string", "minLength": 1},
    "output_dir": {"type": "string"},
    "filename": {"type": "string"},
    "format": {"type": "string", "enum": ["csv", "json"]}
  },
  "required": ["input_key"]
}`

// --- dataset.load_csv ---

type loadCSVAction struct{}

func (a *loadCSVAction) Validate(params map[string]any) error {
	if err := requireStrings("dataset.load_csv", params, "path", "output_key"); err != nil {
		return err
	}
	if d := stringParam(params, "delimiter", ","); len([]rune(d)) != 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "dataset.load_csv: delimiter must be one character, got %q", d)
	}
	return nil
}

func (a *loadCSVAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	path := stringParam(params, "path", "")
	outputKey := stringParam(params, "output_key", "")

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.load_csv: %v", err).WithCause(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = []rune(stringParam(params, "delimiter", ","))[0]
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.load_csv: %s is empty", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.load_csv: read header: %v", err).WithCause(err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	keep := header
	if cols := stringSliceParam(params, "columns"); len(cols) > 0 {
		for _, c := range cols {
			if !containsString(header, c) {
				return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.load_csv: column %q not in %s", c, path)
			}
		}
		keep = cols
	}

	var rows []map[string]any
	for {
		if err := interrupted(ctx, "dataset.load_csv"); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.load_csv: %v", err).WithCause(err)
		}
		row := make(map[string]any, len(keep))
		for i, col := range header {
			if i < len(rec) && containsString(keep, col) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}

	ds := pipeline.NewDataset(append([]string(nil), keep...), rows)
	ec.SetDataset(outputKey, ds)

	return Succeeded(fmt.Sprintf("loaded %d rows into %q", ds.Len(), outputKey), map[string]any{
		"rows":    ds.Len(),
		"columns": ds.Columns,
	}), nil
}

// --- dataset.merge ---

type mergeAction struct{}

func (a *mergeAction) Validate(params map[string]any) error {
	if err := requireStrings("dataset.merge", params, "left_key", "right_key", "output_key"); err != nil {
		return err
	}
	on := stringParam(params, "on", "")
	if on == "" && (stringParam(params, "left_on", "") == "" || stringParam(params, "right_on", "") == "") {
		return schema.NewError(schema.ErrCodeValidation, "dataset.merge: either 'on' or both 'left_on' and 'right_on' are required")
	}
	return nil
}

func (a *mergeAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	left, err := inputDataset("dataset.merge", ec, stringParam(params, "left_key", ""))
	if err != nil {
		return nil, err
	}
	right, err := inputDataset("dataset.merge", ec, stringParam(params, "right_key", ""))
	if err != nil {
		return nil, err
	}

	on := stringParam(params, "on", "")
	leftOn := stringParam(params, "left_on", on)
	rightOn := stringParam(params, "right_on", on)
	how := stringParam(params, "how", "inner")

	if !left.HasColumn(leftOn) {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.merge: left dataset has no column %q", leftOn)
	}
	if !right.HasColumn(rightOn) {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.merge: right dataset has no column %q", rightOn)
	}

	// Right-hand columns colliding with left-hand ones get a suffix; the
	// join column is dropped when both sides share its name.
	columns := append([]string(nil), left.Columns...)
	rename := make(map[string]string, len(right.Columns))
	for _, c := range right.Columns {
		if c == rightOn && rightOn == leftOn {
			continue
		}
		name := c
		if containsString(columns, name) {
			name = c + "_right"
		}
		rename[c] = name
		columns = append(columns, name)
	}

	index := make(map[string][]map[string]any, right.Len())
	for _, r := range right.Rows {
		k := cellString(r[rightOn])
		index[k] = append(index[k], r)
	}

	var rows []map[string]any
	for _, l := range left.Rows {
		if err := interrupted(ctx, "dataset.merge"); err != nil {
			return nil, err
		}
		matches := index[cellString(l[leftOn])]
		if len(matches) == 0 {
			if how == "left" {
				rows = append(rows, copyRow(l))
			}
			continue
		}
		for _, r := range matches {
			row := copyRow(l)
			for src, dst := range rename {
				row[dst] = r[src]
			}
			rows = append(rows, row)
		}
	}

	outputKey := stringParam(params, "output_key", "")
	ds := pipeline.NewDataset(columns, rows)
	ec.SetDataset(outputKey, ds)

	return Succeeded(fmt.Sprintf("merged into %q (%d rows)", outputKey, ds.Len()), map[string]any{
		"rows": ds.Len(),
		"how":  how,
	}), nil
}

// --- dataset.filter ---

type filterAction struct {
	engine *expressions.ExprEngine
}

func (a *filterAction) Validate(params map[string]any) error {
	return requireStrings("dataset.filter", params, "input_key", "output_key", "expression")
}

func (a *filterAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	in, err := inputDataset("dataset.filter", ec, stringParam(params, "input_key", ""))
	if err != nil {
		return nil, err
	}
	expression := stringParam(params, "expression", "")

	rows := make([]map[string]any, 0, in.Len())
	for _, r := range in.Rows {
		if err := interrupted(ctx, "dataset.filter"); err != nil {
			return nil, err
		}
		ok, err := a.engine.Match(ctx, expression, r)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, copyRow(r))
		}
	}

	outputKey := stringParam(params, "output_key", "")
	ec.SetDataset(outputKey, pipeline.NewDataset(append([]string(nil), in.Columns...), rows))

	return Succeeded(fmt.Sprintf("kept %d of %d rows", len(rows), in.Len()), map[string]any{
		"kept":    len(rows),
		"dropped": in.Len() - len(rows),
	}), nil
}

// --- dataset.transform ---

type transformAction struct {
	engine *expressions.RowTransformer
}

func (a *transformAction) Validate(params map[string]any) error {
	if err := requireStrings("dataset.transform", params, "input_key", "output_key", "program"); err != nil {
		return err
	}
	return a.engine.Compile(stringParam(params, "program", ""))
}

func (a *transformAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	in, err := inputDataset("dataset.transform", ec, stringParam(params, "input_key", ""))
	if err != nil {
		return nil, err
	}
	program := stringParam(params, "program", "")

	var rows []map[string]any
	for i, r := range in.Rows {
		if err := interrupted(ctx, "dataset.transform"); err != nil {
			return nil, err
		}
		produced, err := a.engine.TransformRow(ctx, program, r)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.transform: row %d: %v", i, err).WithCause(err)
		}
		rows = append(rows, produced...)
	}

	outputKey := stringParam(params, "output_key", "")
	ds := pipeline.NewDataset(nil, rows)
	ec.SetDataset(outputKey, ds)

	return Succeeded(fmt.Sprintf("transformed %d rows into %d", in.Len(), ds.Len()), map[string]any{
		"rows": ds.Len(),
	}), nil
}

// --- dataset.export ---

type exportAction struct {
	defaultDir string
}

func (a *exportAction) Validate(params map[string]any) error {
	if err := requireStrings("dataset.export", params, "input_key"); err != nil {
		return err
	}
	if stringParam(params, "output_dir", a.defaultDir) == "" {
		return schema.NewError(schema.ErrCodeValidation, "dataset.export: no output_dir given and no default configured")
	}
	return nil
}

func (a *exportAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	inputKey := stringParam(params, "input_key", "")
	ds, err := inputDataset("dataset.export", ec, inputKey)
	if err != nil {
		return nil, err
	}

	format := stringParam(params, "format", "csv")
	dir := stringParam(params, "output_dir", a.defaultDir)
	name := stringParam(params, "filename", inputKey+"."+format)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.export: output dir %s: %v", dir, err).WithCause(err)
	}

	// Write to a temp file in the same directory and rename, so a failed
	// export never leaves a truncated file behind.
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.export: %v", err).WithCause(err)
	}
	defer os.Remove(tmp.Name())

	switch format {
	case "json":
		if err = interrupted(ctx, "dataset.export"); err != nil {
			break
		}
		enc := json.NewEncoder(tmp)
		enc.SetIndent("", "  ")
		err = enc.Encode(ds.Rows)
	default:
		err = writeCSV(ctx, tmp, ds)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.export: write: %v", err).WithCause(err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "dataset.export: %v", err).WithCause(err)
	}
	ec.AddArtifact(target)

	return Succeeded(fmt.Sprintf("exported %d rows to %s", ds.Len(), target), map[string]any{
		"path": target,
		"rows": ds.Len(),
	}), nil
}

func writeCSV(ctx context.Context, w io.Writer, ds *pipeline.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.Columns); err != nil {
		return err
	}
	rec := make([]string, len(ds.Columns))
	for _, r := range ds.Rows {
		if err := interrupted(ctx, "dataset.export"); err != nil {
			return err
		}
		for i, c := range ds.Columns {
			rec[i] = cellString(r[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func copyRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
