package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepWarning   = "step_warning"
)

// RunStatus is the terminal (or current) state of a strategy run.
type RunStatus string

const (
	RunStatusRunning               RunStatus = "running"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunStatusFailed                RunStatus = "failed"
)

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusWarning   StepStatus = "warning" // optional step failed, run continued
	StepStatusSkipped   StepStatus = "skipped"
)
