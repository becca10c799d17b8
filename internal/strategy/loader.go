// Package strategy loads strategy documents and keeps the named library the
// engine executes from.
package strategy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/biomapper/biomapper/pkg/schema"
	"gopkg.in/yaml.v3"
)

// DocumentValidator checks a decoded document against the strategy schema.
// Satisfied by *validation.JSONSchemaValidator.
type DocumentValidator interface {
	ValidateDocument(doc any) error
}

// Parse decodes a YAML or JSON strategy document. When v is non-nil the raw
// document is checked against the strategy schema before decoding.
func Parse(data []byte, v DocumentValidator) (*schema.Strategy, error) {
	if v != nil {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse strategy: %v", err).WithCause(err)
		}
		if err := v.ValidateDocument(doc); err != nil {
			return nil, err
		}
	}

	var s schema.Strategy
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse strategy: %v", err).WithCause(err)
	}
	if s.Name == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "strategy has no name")
	}
	return &s, nil
}

// LoadFile reads and parses one strategy file.
func LoadFile(path string, v DocumentValidator) (*schema.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read strategy %s: %v", path, err).WithCause(err)
	}
	s, err := Parse(data, v)
	if err != nil {
		return nil, withSource(err, path)
	}
	return s, nil
}

// IsStrategyFile reports whether path has a strategy document extension.
func IsStrategyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func withSource(err error, path string) error {
	e, ok := err.(*schema.Error)
	if !ok {
		return err
	}
	details := map[string]any{"file": path}
	for k, v := range e.Details {
		details[k] = v
	}
	return schema.NewErrorf(e.Code, "%s: %s", path, e.Message).WithDetails(details).WithCause(e.Cause)
}
