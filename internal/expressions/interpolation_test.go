package expressions

import (
	"errors"
	"testing"

	"github.com/biomapper/biomapper/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func testScope() *Scope {
	return &Scope{
		Parameters: map[string]any{
			"input_file": "/data/proteins.csv",
			"threshold":  0.8,
			"nested":     map[string]any{"column": "uniprot"},
		},
		Metadata: map[string]any{"strategy": "protein_harmonize", "run_id": "r-1"},
	}
}

func TestInterpolator_NoReferences(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	out, err := interp.ResolveParams(map[string]any{"key": "A", "n": 3}, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "A", "n": 3}, out)
}

func TestInterpolator_NilParams(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	out, err := interp.ResolveParams(nil, testScope())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInterpolator_Namespaces(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(map[string]string{"DATA_DIR": "/mnt/data"}))
	out, err := interp.ResolveParams(map[string]any{
		"file":     "${parameters.input_file}",
		"dir":      "${env.DATA_DIR}/out",
		"strategy": "${metadata.strategy}",
		"column":   "${parameters.nested.column}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, "/data/proteins.csv", out["file"])
	assert.Equal(t, "/mnt/data/out", out["dir"])
	assert.Equal(t, "protein_harmonize", out["strategy"])
	assert.Equal(t, "uniprot", out["column"])
}

func TestInterpolator_WholeReferenceKeepsType(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	out, err := interp.ResolveParams(map[string]any{
		"min":   "${parameters.threshold}",
		"label": "min=${parameters.threshold}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, 0.8, out["min"])
	assert.Equal(t, "min=0.8", out["label"])
}

func TestInterpolator_DefaultFallback(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	out, err := interp.ResolveParams(map[string]any{
		"dir":   "${OUTPUT_DIR:-/tmp/results}",
		"empty": "${env.MISSING:-}",
		"hit":   "${threshold:-0.5}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/results", out["dir"])
	assert.Equal(t, "", out["empty"])
	assert.Equal(t, 0.8, out["hit"])
}

func TestInterpolator_BarePrecedence(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(map[string]string{"run_id": "from-env", "HOME": "/root"}))
	scope := testScope()
	scope.Parameters["run_id"] = "from-params"

	out, err := interp.ResolveParams(map[string]any{
		"a": "${run_id}",
		"b": "${strategy}",
		"c": "${HOME}",
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, "from-params", out["a"])
	assert.Equal(t, "protein_harmonize", out["b"])
	assert.Equal(t, "/root", out["c"])
}

func TestInterpolator_UnresolvedIsConfigurationError(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	_, err := interp.ResolveParams(map[string]any{"x": "${parameters.nope}"}, testScope())
	require.Error(t, err)

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeInterpolation, se.Code)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestInterpolator_Malformed(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))

	_, err := interp.ResolveString("${parameters.input_file", testScope())
	assert.Error(t, err)

	_, err = interp.ResolveString("${}", testScope())
	assert.Error(t, err)

	_, err = interp.ResolveString("${a${b}}", testScope())
	assert.Error(t, err)
}

func TestInterpolator_RejectsMarkerInSubstitutedValue(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(map[string]string{"OUT_DIR": "/srv/${HOME}"}))
	scope := testScope()
	scope.Metadata["label"] = "run ${parameters.input_file}"

	for _, in := range []string{"${env.OUT_DIR}", "${env.OUT_DIR}/results.csv", "label: ${metadata.label}"} {
		out, err := interp.ResolveString(in, scope)
		require.Error(t, err, in)
		assert.Nil(t, out)
		assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err), in)
		assert.True(t, schema.IsConfigurationError(err))
	}

	out, err := interp.ResolveString("${env.MISSING:-$HOME}/x", scope)
	require.NoError(t, err)
	assert.Equal(t, "$HOME/x", out)
}

func TestInterpolator_NestedStructures(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	out, err := interp.ResolveParams(map[string]any{
		"columns": []any{"${parameters.nested.column}", "name"},
		"join":    map[string]any{"on": "${parameters.nested.column}"},
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"uniprot", "name"}, out["columns"])
	assert.Equal(t, map[string]any{"on": "uniprot"}, out["join"])
}

func TestInterpolator_Idempotent(t *testing.T) {
	interp := NewInterpolatorWithEnv(fakeEnv(nil))
	params := map[string]any{"file": "${parameters.input_file}", "dir": "${X:-/tmp}"}

	once, err := interp.ResolveParams(params, testScope())
	require.NoError(t, err)
	twice, err := interp.ResolveParams(once, testScope())
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Empty(t, ExtractReferences(once))
}

func TestExtractReferences(t *testing.T) {
	refs := ExtractReferences(map[string]any{
		"a": "${parameters.x} and ${env.Y:-z}",
		"b": []any{"${W}"},
	})
	require.Len(t, refs, 3)

	byRef := map[string]bool{}
	for _, r := range refs {
		byRef[r.Ref] = r.HasDefault
	}
	assert.False(t, byRef["parameters.x"])
	assert.True(t, byRef["env.Y"])
	assert.False(t, byRef["W"])
}
