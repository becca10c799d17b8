package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/biomapper/biomapper/internal/validation"
	"github.com/biomapper/biomapper/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harmonizeYAML = `
name: metabolite_harmonization
description: Map HMDB identifiers to PubChem
parameters:
  input_file: data/metabolites.csv
  min_confidence: 0.8
metadata:
  owner: metabolomics
steps:
  - name: load
    action:
      type: dataset.load_csv
      params:
        path: ${parameters.input_file}
        output_key: metabolites
  - name: resolve
    is_required: false
    timeout: 2m
    condition: statistics.warnings == 0
    action:
      type: identifiers.resolve
      params:
        source_type: HMDB
        target_type: PUBCHEM
        output_key: pubchem
`

func newValidator(t *testing.T) *validation.JSONSchemaValidator {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestParse_YAML(t *testing.T) {
	s, err := Parse([]byte(harmonizeYAML), newValidator(t))
	require.NoError(t, err)

	assert.Equal(t, "metabolite_harmonization", s.Name)
	assert.Equal(t, 0.8, s.Parameters["min_confidence"])
	assert.Equal(t, "metabolomics", s.Metadata["owner"])
	require.Len(t, s.Steps, 2)

	assert.True(t, s.Steps[0].Required())
	assert.Equal(t, "dataset.load_csv", s.Steps[0].Action.Type)
	assert.Equal(t, "${parameters.input_file}", s.Steps[0].Action.Params["path"])

	assert.False(t, s.Steps[1].Required())
	assert.Equal(t, "2m", s.Steps[1].Timeout)
	assert.Equal(t, "statistics.warnings == 0", s.Steps[1].Condition)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"name": "j", "steps": [{"name": "s", "action": {"type": "statistics.summarize"}}]}`
	s, err := Parse([]byte(doc), newValidator(t))
	require.NoError(t, err)
	assert.Equal(t, "j", s.Name)
	assert.Equal(t, "statistics.summarize", s.Steps[0].Action.Type)
}

func TestParse_SchemaViolations(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"no steps":      `name: x`,
		"empty steps":   "name: x\nsteps: []",
		"unknown field": "name: x\nowner: me\nsteps:\n  - name: a\n    action: {type: t}",
		"bad timeout":   "name: x\nsteps:\n  - name: a\n    timeout: soon\n    action: {type: t}",
		"no action":     "name: x\nsteps:\n  - name: a",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), v)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
		})
	}
}

func TestParse_WithoutValidator(t *testing.T) {
	_, err := Parse([]byte("description: nameless"), nil)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))

	_, err = Parse([]byte("name: [unclosed"), nil)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestLoadFile_ErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: x"), 0o644))

	_, err := LoadFile(p, newValidator(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")

	var e *schema.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, p, e.Details["file"])

	_, err = LoadFile(filepath.Join(dir, "absent.yaml"), nil)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestLibrary_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(harmonizeYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"),
		[]byte(`{"name": "summary", "steps": [{"name": "s", "action": {"type": "statistics.summarize"}}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# strategies"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	lib := NewLibrary()
	require.NoError(t, lib.LoadDir(dir, newValidator(t)))
	assert.Equal(t, []string{"metabolite_harmonization", "summary"}, lib.Names())
	assert.Equal(t, 2, lib.Len())

	s, err := lib.Get("summary")
	require.NoError(t, err)
	assert.Equal(t, "summary", s.Name)

	_, err = lib.Get("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestLibrary_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yaml"), []byte(harmonizeYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yml"), []byte(harmonizeYAML), 0o644))

	err := NewLibrary().LoadDir(dir, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "one.yaml")
}

func TestLibrary_AddRejectsNameless(t *testing.T) {
	lib := NewLibrary()
	assert.Error(t, lib.Add(nil, ""))
	assert.Error(t, lib.Add(&schema.Strategy{}, ""))
}
