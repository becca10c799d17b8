package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/biomapper/biomapper/internal/expressions"
	"github.com/biomapper/biomapper/pkg/schema"
)

// StrategyValidator runs the pre-flight checks that must pass before any
// step of a strategy executes.
type StrategyValidator struct {
	actions ActionLookup
}

// NewStrategyValidator creates a StrategyValidator. lookup may be nil to skip
// action registration checks (e.g. when validating documents offline).
func NewStrategyValidator(lookup ActionLookup) *StrategyValidator {
	return &StrategyValidator{actions: lookup}
}

// Validate returns every problem found in the strategy.
func (sv *StrategyValidator) Validate(s *schema.Strategy) *schema.ValidationResult {
	if s == nil {
		result := schema.NewValidationResult("")
		result.StrategyError("", schema.ErrCodeConfiguration, "strategy is nil")
		return result
	}
	result := schema.NewValidationResult(s.Name)
	if strings.TrimSpace(s.Name) == "" {
		result.StrategyError("name", schema.ErrCodeConfiguration, "strategy name is required")
	}
	if len(s.Steps) == 0 {
		result.StrategyError("steps", schema.ErrCodeConfiguration, "strategy has no steps")
	}

	seen := make(map[string]int, len(s.Steps))
	for i, step := range s.Steps {
		if step.Name == "" {
			result.StepError(i, "", "name", schema.ErrCodeConfiguration, "step name is required")
		} else if prev, dup := seen[step.Name]; dup {
			result.StepError(i, step.Name, "name", schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate step name %q (also steps[%d])", step.Name, prev))
		} else {
			seen[step.Name] = i
		}

		if step.Action.Type == "" {
			result.StepError(i, step.Name, "action.type", schema.ErrCodeConfiguration, "action type is required")
		} else if sv.actions != nil && !sv.actions.Has(step.Action.Type) {
			result.StepError(i, step.Name, "action.type", schema.ErrCodeUnknownActionType,
				fmt.Sprintf("step %q: action type %q is not registered", step.Name, step.Action.Type))
		}

		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
				result.StepError(i, step.Name, "timeout", schema.ErrCodeConfiguration,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}

		for _, ref := range expressions.ExtractReferences(step.Action.Params) {
			name, isParam := strings.CutPrefix(ref.Ref, "parameters.")
			if !isParam || ref.HasDefault {
				continue
			}
			root, _, _ := strings.Cut(name, ".")
			if _, ok := s.Parameters[root]; !ok {
				if _, direct := s.Parameters[name]; !direct {
					result.StepWarning(i, step.Name, "action.params", schema.ErrCodeConfiguration,
						fmt.Sprintf("step %q references undeclared parameter %q; it must be supplied as an override", step.Name, name))
				}
			}
		}
	}

	return result
}

// ValidateStrategy is Validate(s).ToError().
func (sv *StrategyValidator) ValidateStrategy(s *schema.Strategy) error {
	return sv.Validate(s).ToError()
}
