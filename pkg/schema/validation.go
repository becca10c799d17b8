package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks a run.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a strategy. Step issues carry the
// step's position and name; strategy-level issues have StepIndex -1.
type ValidationIssue struct {
	StepIndex int                `json:"step_index"`
	Step      string             `json:"step,omitempty"`
	Field     string             `json:"field,omitempty"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Severity  ValidationSeverity `json:"severity"`
}

// Path renders the issue location, e.g. "steps[2].action.type" or "name".
func (i ValidationIssue) Path() string {
	if i.StepIndex < 0 {
		if i.Field == "" {
			return "/"
		}
		return i.Field
	}
	p := fmt.Sprintf("steps[%d]", i.StepIndex)
	if i.Field != "" {
		p += "." + i.Field
	}
	return p
}

// ValidationResult collects the pre-flight issues of one strategy.
type ValidationResult struct {
	Strategy string            `json:"strategy,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// NewValidationResult returns an empty result for the named strategy.
func NewValidationResult(strategy string) *ValidationResult {
	return &ValidationResult{Strategy: strategy}
}

// Valid reports whether no errors were recorded. Warnings never block a run.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// StrategyError records a strategy-level error on field.
func (r *ValidationResult) StrategyError(field, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		StepIndex: -1, Field: field, Code: code, Message: message, Severity: SeverityError,
	})
}

// StepError records an error on a field of the step at index.
func (r *ValidationResult) StepError(index int, step, field, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		StepIndex: index, Step: step, Field: field, Code: code, Message: message, Severity: SeverityError,
	})
}

// StepWarning records a warning on a field of the step at index.
func (r *ValidationResult) StepWarning(index int, step, field, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		StepIndex: index, Step: step, Field: field, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// ForStep returns the errors and then the warnings recorded for a step name.
func (r *ValidationResult) ForStep(step string) []ValidationIssue {
	var out []ValidationIssue
	for _, group := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range group {
			if issue.StepIndex >= 0 && issue.Step == step {
				out = append(out, issue)
			}
		}
	}
	return out
}

// ToError converts an invalid result into a configuration-class Error
// attributed to the first failing step, or nil when the result is valid.
// The first issue's code is kept when it is itself configuration-class.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	code := ErrCodeConfiguration
	if (&Error{Code: first.Code}).IsConfiguration() {
		code = first.Code
	}

	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors; first at %s: %s", len(r.Errors), first.Path(), first.Message)
	}

	err := NewError(code, msg).WithDetails(map[string]any{
		"strategy":      r.Strategy,
		"path":          first.Path(),
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
	if first.Step != "" {
		err.WithStep(first.Step)
	}
	return err
}
