// Package diagram renders strategies, run outcomes and the capability graph
// as flowcharts.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindConditional NodeKind = "conditional"
	NodeKindType        NodeKind = "type"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Direction is the flow direction of the rendered chart.
type Direction string

const (
	TopDown   Direction = "TD"
	LeftRight Direction = "LR"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title     string
	Direction Direction
	Nodes     []*Node
	Edges     []Edge
}

// Node is a strategy step or an ontology type.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Optional bool
	Status   *StatusOverlay
}

// StatusOverlay carries the outcome of a step in a finished run.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Dashed edges mark partial support or a path that
// is only taken conditionally.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
