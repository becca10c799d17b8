package schema

// Strategy is the declarative pipeline document.
// It is loaded from YAML or JSON and treated as immutable afterwards.
type Strategy struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
}

// Step is one named invocation of an action.
type Step struct {
	Name       string    `json:"name" yaml:"name"`
	Action     ActionRef `json:"action" yaml:"action"`
	IsRequired *bool     `json:"is_required,omitempty" yaml:"is_required,omitempty"` // default true
	Condition  string    `json:"condition,omitempty" yaml:"condition,omitempty"`     // CEL, evaluated before execution
	Timeout    string    `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // e.g. "30s"
}

// ActionRef names the action type and carries its unresolved params.
type ActionRef struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Required reports whether a failure of this step halts the strategy.
func (s Step) Required() bool {
	return s.IsRequired == nil || *s.IsRequired
}
