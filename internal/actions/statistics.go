package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// StatisticsActions returns the descriptors of the statistics actions.
func StatisticsActions(Deps) []Descriptor {
	return []Descriptor{
		{
			Type:        "statistics.summarize",
			Description: "Record row counts and distinct-value counts of datasets as statistics",
			ParamSchema: json.RawMessage(summarizeSchema),
			Factory:     func() Action { return &summarizeAction{} },
		},
	}
}

const summarizeSchema = `{
  "type": "object",
  "properties": {
    "datasets": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "columns": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

type summarizeAction struct{}

// Execute writes "<dataset>_rows" for each dataset and, for every requested
// column the dataset has, "<dataset>_<column>_unique" and
// "<dataset>_<column>_missing".
func (a *summarizeAction) Execute(_ context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	keys := stringSliceParam(params, "datasets")
	if len(keys) == 0 {
		keys = ec.DatasetKeys()
	}
	columns := stringSliceParam(params, "columns")

	stats := make(map[string]any)
	for _, k := range keys {
		ds, ok := ec.Dataset(k)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "statistics.summarize: dataset %q not found in context", k).
				WithDetails(map[string]any{"available": ec.DatasetKeys()})
		}
		stats[k+"_rows"] = ds.Len()
		for _, c := range columns {
			if !ds.HasColumn(c) {
				continue
			}
			unique, missing := columnCounts(ds, c)
			stats[k+"_"+c+"_unique"] = unique
			stats[k+"_"+c+"_missing"] = missing
		}
	}
	for k, v := range stats {
		ec.SetStatistic(k, v)
	}

	return Succeeded(fmt.Sprintf("summarized %d datasets", len(keys)), stats), nil
}

func columnCounts(ds *pipeline.Dataset, column string) (unique, missing int) {
	seen := make(map[string]struct{})
	for _, r := range ds.Rows {
		s := cellString(r[column])
		if s == "" {
			missing++
			continue
		}
		seen[s] = struct{}{}
	}
	return len(seen), missing
}
