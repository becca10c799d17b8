package resources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/biomapper/biomapper/internal/capability"
)

// StaticMapping is one row of a static mapping table.
type StaticMapping struct {
	SourceType string  `json:"source_type" yaml:"source_type"`
	TargetType string  `json:"target_type" yaml:"target_type"`
	SourceID   string  `json:"source_id" yaml:"source_id"`
	TargetID   string  `json:"target_id" yaml:"target_id"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

type staticKey struct {
	sourceType, targetType, sourceID string
}

// Static resolves identifiers from an in-memory table.
type Static struct {
	name  string
	table map[staticKey][]Mapping
	caps  []capability.Capability
}

// NewStatic builds a static resource from mapping rows.
func NewStatic(name string, rows []StaticMapping) *Static {
	s := &Static{name: name, table: make(map[staticKey][]Mapping)}
	seen := make(map[[2]string]bool)
	for _, r := range rows {
		k := staticKey{r.SourceType, r.TargetType, r.SourceID}
		s.table[k] = append(s.table[k], Mapping{TargetID: r.TargetID, Confidence: r.Confidence})
		pair := [2]string{r.SourceType, r.TargetType}
		if !seen[pair] {
			seen[pair] = true
			s.caps = append(s.caps, capability.Capability{
				SourceType: r.SourceType, TargetType: r.TargetType, SupportLevel: capability.SupportFull,
			})
		}
	}
	return s
}

func (s *Static) Name() string { return s.name }

func (s *Static) Resolve(ctx context.Context, id, sourceType, targetType string) ([]Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := s.table[staticKey{sourceType, targetType, id}]
	return append([]Mapping(nil), rows...), nil
}

// Capabilities returns the conversions present in the table, in first-seen order.
func (s *Static) Capabilities() []capability.Capability {
	return append([]capability.Capability(nil), s.caps...)
}

// LoadStaticCSV reads mapping rows from a CSV file with the header
// source_type,target_type,source_id,target_id[,confidence]. A missing or
// empty confidence column defaults to 1.
func LoadStaticCSV(path string) ([]StaticMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"source_type", "target_type", "source_id", "target_id"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, col)
		}
	}
	confCol, hasConf := idx["confidence"]

	var rows []StaticMapping
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		line++
		get := func(col string) string {
			i := idx[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		m := StaticMapping{
			SourceType: get("source_type"),
			TargetType: get("target_type"),
			SourceID:   get("source_id"),
			TargetID:   get("target_id"),
			Confidence: 1,
		}
		if hasConf && confCol < len(rec) && strings.TrimSpace(rec[confCol]) != "" {
			c, err := strconv.ParseFloat(strings.TrimSpace(rec[confCol]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: invalid confidence %q", path, line, rec[confCol])
			}
			m.Confidence = c
		}
		rows = append(rows, m)
	}
	return rows, nil
}
