package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// RunResult is the outcome of one strategy run. Context holds the workspace
// as it stood when the run ended, including after a fatal step failure.
type RunResult struct {
	RunID       string                     `json:"run_id"`
	Strategy    string                     `json:"strategy"`
	Status      schema.RunStatus           `json:"status"`
	Parameters  map[string]any             `json:"parameters,omitempty"`
	Context     *pipeline.ExecutionContext `json:"-"`
	Steps       []StepResult               `json:"steps"`
	Error       *StepError                 `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at"`
}

// Succeeded reports whether the run finished without a fatal failure.
func (r *RunResult) Succeeded() bool {
	return r.Status == schema.RunStatusCompleted || r.Status == schema.RunStatusCompletedWithWarnings
}

// Step returns the result of the named step.
func (r *RunResult) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepResult summarizes a single step.
type StepResult struct {
	Name       string            `json:"name"`
	Action     string            `json:"action"`
	Status     schema.StepStatus `json:"status"`
	Message    string            `json:"message,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Error      *schema.Error     `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// StepError is the error returned when a step halts the run.
type StepError struct {
	Step   string        `json:"step"`
	Action string        `json:"action"`
	Fatal  bool          `json:"fatal"`
	Err    *schema.Error `json:"cause"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (%s) failed: %s", e.Step, e.Action, e.Err.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// asSchemaError returns the first *schema.Error in err's chain, or wraps err
// with the given code.
func asSchemaError(err error, code string) *schema.Error {
	var se *schema.Error
	if errors.As(err, &se) {
		return se
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
