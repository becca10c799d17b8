package diagram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/internal/engine"
	"github.com/biomapper/biomapper/internal/metamapping"
	"github.com/biomapper/biomapper/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// StepNodeID is the node ID used for a strategy step.
func StepNodeID(name string) string { return "step:" + name }

// TypeNodeID is the node ID used for an ontology type.
func TypeNodeID(ontologyType string) string { return "type:" + ontologyType }

// FromStrategy lays the steps of s out in execution order between virtual
// start and end nodes. Conditional steps get a dashed bypass edge to the
// following node, labelled with the condition.
func FromStrategy(s *schema.Strategy) (*DiagramModel, error) {
	if s == nil {
		return nil, errors.New("diagram: nil strategy")
	}

	model := &DiagramModel{
		Title:     s.Name,
		Direction: TopDown,
		Nodes:     make([]*Node, 0, len(s.Steps)+2),
	}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	seen := make(map[string]bool, len(s.Steps))
	ids := make([]string, 0, len(s.Steps)+2)
	ids = append(ids, startID)
	for _, step := range s.Steps {
		if seen[step.Name] {
			return nil, fmt.Errorf("diagram: duplicate step name %q", step.Name)
		}
		seen[step.Name] = true

		kind := NodeKindStep
		if step.Condition != "" {
			kind = NodeKindConditional
		}
		model.Nodes = append(model.Nodes, &Node{
			ID:       StepNodeID(step.Name),
			Label:    step.Name + "\n" + step.Action.Type,
			Kind:     kind,
			Optional: !step.Required(),
		})
		ids = append(ids, StepNodeID(step.Name))
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	ids = append(ids, endID)

	for i := 0; i+1 < len(ids); i++ {
		model.Edges = append(model.Edges, Edge{From: ids[i], To: ids[i+1]})
	}
	// A skipped step hands control from its predecessor to its successor.
	for i, step := range s.Steps {
		if step.Condition == "" {
			continue
		}
		model.Edges = append(model.Edges, Edge{
			From:   ids[i],
			To:     ids[i+2],
			Label:  "unless " + step.Condition,
			Dashed: true,
		})
	}
	return model, nil
}

// FromRun builds the strategy diagram and overlays the outcome of res.
// Steps the run never reached are marked pending.
func FromRun(s *schema.Strategy, res *engine.RunResult) (*DiagramModel, error) {
	model, err := FromStrategy(s)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return model, nil
	}
	model.Title = fmt.Sprintf("%s (%s)", s.Name, res.Status)
	for _, step := range s.Steps {
		node := model.Node(StepNodeID(step.Name))
		sr, ok := res.Step(step.Name)
		if !ok {
			node.Status = &StatusOverlay{Status: string(schema.StepStatusPending)}
			continue
		}
		overlay := &StatusOverlay{Status: string(sr.Status), DurationMs: sr.DurationMs}
		if sr.Error != nil {
			overlay.Error = sr.Error.Message
		}
		node.Status = overlay
	}
	return model, nil
}

// FromCapabilities draws every registered ontology type as a node and every
// capability as an edge labelled with the providing resource. Partial
// support is dashed.
func FromCapabilities(resources []capability.Resource) *DiagramModel {
	model := &DiagramModel{Title: "capabilities", Direction: LeftRight}
	seen := make(map[string]bool)
	addType := func(t string) {
		if seen[t] {
			return
		}
		seen[t] = true
		model.Nodes = append(model.Nodes, &Node{ID: TypeNodeID(t), Label: t, Kind: NodeKindType})
	}

	for _, res := range resources {
		for _, c := range res.Capabilities {
			if c.SupportLevel == capability.SupportNone {
				continue
			}
			addType(c.SourceType)
			addType(c.TargetType)
			model.Edges = append(model.Edges, Edge{
				From:   TypeNodeID(c.SourceType),
				To:     TypeNodeID(c.TargetType),
				Label:  res.Name,
				Dashed: c.SupportLevel == capability.SupportPartial,
			})
		}
	}
	return model
}

// FromPath draws a discovered metamapping path. Each hop is labelled with its
// candidate resources in preference order.
func FromPath(p metamapping.Path) *DiagramModel {
	model := &DiagramModel{Title: p.String(), Direction: LeftRight}
	for _, t := range p.Types() {
		model.Nodes = append(model.Nodes, &Node{ID: TypeNodeID(t), Label: t, Kind: NodeKindType})
	}
	for _, hop := range p.Steps {
		names := make([]string, len(hop.Resources))
		for i, r := range hop.Resources {
			names[i] = r.Name
		}
		model.Edges = append(model.Edges, Edge{
			From:  TypeNodeID(hop.SourceType),
			To:    TypeNodeID(hop.TargetType),
			Label: strings.Join(names, ", "),
		})
	}
	return model
}
