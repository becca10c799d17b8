package pipeline

import "sort"

// Dataset is a named tabular collection: ordered columns plus rows keyed by column.
type Dataset struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// NewDataset builds a dataset from rows. When columns is empty it is derived
// from the union of row keys, sorted.
func NewDataset(columns []string, rows []map[string]any) *Dataset {
	if len(columns) == 0 {
		seen := make(map[string]struct{})
		for _, r := range rows {
			for k := range r {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return &Dataset{Columns: columns, Rows: rows}
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// HasColumn reports whether the dataset declares the column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns the values of one column in row order.
func (d *Dataset) Column(name string) []any {
	out := make([]any, 0, len(d.Rows))
	for _, r := range d.Rows {
		out = append(out, r[name])
	}
	return out
}

// Clone returns a deep-enough copy: new row maps, shared leaf values.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	cols := append([]string(nil), d.Columns...)
	rows := make([]map[string]any, len(d.Rows))
	for i, r := range d.Rows {
		cp := make(map[string]any, len(r))
		for k, v := range r {
			cp[k] = v
		}
		rows[i] = cp
	}
	return &Dataset{Columns: cols, Rows: rows}
}
