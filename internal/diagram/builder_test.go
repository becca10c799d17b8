package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/internal/engine"
	"github.com/biomapper/biomapper/internal/metamapping"
	"github.com/biomapper/biomapper/pkg/schema"
)

func optional() *bool {
	f := false
	return &f
}

func ukbbStrategy() *schema.Strategy {
	return &schema.Strategy{
		Name: "ukbb_metabolites",
		Steps: []schema.Step{
			{Name: "load", Action: schema.ActionRef{Type: "load_dataset_identifiers"}},
			{Name: "convert", Action: schema.ActionRef{Type: "metamapping.convert"}},
			{
				Name:       "export",
				Action:     schema.ActionRef{Type: "export_dataset"},
				IsRequired: optional(),
				Condition:  `parameters.export == true`,
			},
		},
	}
}

func edgeSet(m *DiagramModel) map[[2]string]Edge {
	out := make(map[[2]string]Edge, len(m.Edges))
	for _, e := range m.Edges {
		out[[2]string{e.From, e.To}] = e
	}
	return out
}

func TestFromStrategyLinear(t *testing.T) {
	model, err := FromStrategy(ukbbStrategy())
	require.NoError(t, err)

	assert.Equal(t, "ukbb_metabolites", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)

	load := model.Node(StepNodeID("load"))
	require.NotNil(t, load)
	assert.Equal(t, NodeKindStep, load.Kind)
	assert.Equal(t, "load\nload_dataset_identifiers", load.Label)
	assert.False(t, load.Optional)

	export := model.Node(StepNodeID("export"))
	require.NotNil(t, export)
	assert.Equal(t, NodeKindConditional, export.Kind)
	assert.True(t, export.Optional)

	edges := edgeSet(model)
	assert.Len(t, edges, 5)
	assert.Contains(t, edges, [2]string{startID, StepNodeID("load")})
	assert.Contains(t, edges, [2]string{StepNodeID("load"), StepNodeID("convert")})
	assert.Contains(t, edges, [2]string{StepNodeID("export"), endID})

	bypass, ok := edges[[2]string{StepNodeID("convert"), endID}]
	require.True(t, ok)
	assert.True(t, bypass.Dashed)
	assert.Equal(t, "unless parameters.export == true", bypass.Label)
}

func TestFromStrategyRejectsDuplicateSteps(t *testing.T) {
	s := &schema.Strategy{Name: "dup", Steps: []schema.Step{
		{Name: "a", Action: schema.ActionRef{Type: "x"}},
		{Name: "a", Action: schema.ActionRef{Type: "x"}},
	}}
	_, err := FromStrategy(s)
	assert.Error(t, err)

	_, err = FromStrategy(nil)
	assert.Error(t, err)
}

func TestFromRunOverlaysStatus(t *testing.T) {
	res := &engine.RunResult{
		Strategy: "ukbb_metabolites",
		Status:   schema.RunStatusFailed,
		Steps: []engine.StepResult{
			{Name: "load", Status: schema.StepStatusCompleted, DurationMs: 12},
			{Name: "convert", Status: schema.StepStatusFailed, Error: schema.NewError(schema.ErrCodeActionExecution, "resource unavailable")},
		},
	}

	model, err := FromRun(ukbbStrategy(), res)
	require.NoError(t, err)
	assert.Equal(t, "ukbb_metabolites (failed)", model.Title)

	load := model.Node(StepNodeID("load"))
	require.NotNil(t, load.Status)
	assert.Equal(t, "completed", load.Status.Status)
	assert.Equal(t, int64(12), load.Status.DurationMs)

	convert := model.Node(StepNodeID("convert"))
	require.NotNil(t, convert.Status)
	assert.Equal(t, "failed", convert.Status.Status)
	assert.Equal(t, "resource unavailable", convert.Status.Error)

	export := model.Node(StepNodeID("export"))
	require.NotNil(t, export.Status)
	assert.Equal(t, "pending", export.Status.Status)

	assert.Nil(t, model.Node(startID).Status)
}

func TestFromCapabilities(t *testing.T) {
	model := FromCapabilities([]capability.Resource{
		{Name: "unichem", Capabilities: []capability.Capability{
			{SourceType: "HMDB", TargetType: "CHEBI", SupportLevel: capability.SupportFull},
			{SourceType: "CHEBI", TargetType: "PUBCHEM", SupportLevel: capability.SupportPartial},
		}},
		{Name: "retired", Capabilities: []capability.Capability{
			{SourceType: "HMDB", TargetType: "KEGG", SupportLevel: capability.SupportNone},
		}},
	})

	assert.Equal(t, LeftRight, model.Direction)
	require.Len(t, model.Nodes, 3)
	assert.Equal(t, "HMDB", model.Nodes[0].Label)
	assert.Equal(t, "CHEBI", model.Nodes[1].Label)
	assert.Equal(t, "PUBCHEM", model.Nodes[2].Label)
	assert.Nil(t, model.Node(TypeNodeID("KEGG")))

	require.Len(t, model.Edges, 2)
	assert.Equal(t, "unichem", model.Edges[0].Label)
	assert.False(t, model.Edges[0].Dashed)
	assert.True(t, model.Edges[1].Dashed)
}

func TestFromPath(t *testing.T) {
	x := capability.Resource{Name: "X"}
	y := capability.Resource{Name: "Y"}
	p := metamapping.Path{Steps: []metamapping.PathStep{
		{SourceType: "HMDB", TargetType: "CHEBI", Resources: []capability.Resource{x, y}},
		{SourceType: "CHEBI", TargetType: "PUBCHEM", Resources: []capability.Resource{y}},
	}}

	model := FromPath(p)
	assert.Equal(t, "HMDB -> CHEBI -> PUBCHEM", model.Title)
	require.Len(t, model.Nodes, 3)
	require.Len(t, model.Edges, 2)
	assert.Equal(t, "X, Y", model.Edges[0].Label)
	assert.Equal(t, TypeNodeID("CHEBI"), model.Edges[1].From)
	assert.Equal(t, "Y", model.Edges[1].Label)
}
